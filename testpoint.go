// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"sync"

	"github.com/golang/glog"
)

// TestPointID -- data type defining a testpoint identifier.
type TestPointID int

// Test points understood by the DB managers.
const (
	testPointInvalid      TestPointID = 0
	TestPointFailDBFetch  TestPointID = 1
	TestPointFailDBUpdate TestPointID = 2
	TestPointFailDBDelete TestPointID = 3
	testPointMax          TestPointID = 4
)

// TestPoint -- describes a given test point.
// tpID    - ID of the test point
// desc    - string description of the test point.
// enabled - whether this test point is enabled.
// iters   - # of iterations this test point is executed.
// freq    - frequency at which this test point will be executed.
type TestPoint struct {
	tpID    TestPointID
	desc    string
	enabled bool
	iters   int
	freq    int
}

// Fault and flush workers hit test points concurrently.
var testPointsMu sync.Mutex

var testPoints = [...]TestPoint{
	{tpID: testPointInvalid, desc: "invalid"},
	{tpID: TestPointFailDBFetch, desc: "fail DB fetch"},
	{tpID: TestPointFailDBUpdate, desc: "fail DB update"},
	{tpID: TestPointFailDBDelete, desc: "fail DB delete"},
}

var numTestPointsEnabled int

func isValidTestPoint(tpID TestPointID) bool {
	return tpID > testPointInvalid && tpID < testPointMax
}

// TestPointIsEnabled - Check to see if a given test point is enabled. If the
// test point specified is invalid then returns whether any of the test
// points are enabled.
func TestPointIsEnabled(tpID TestPointID) (bool, int) {
	testPointsMu.Lock()
	defer testPointsMu.Unlock()
	if isValidTestPoint(tpID) {
		return testPoints[tpID].enabled, testPoints[tpID].freq
	}
	return numTestPointsEnabled > 0, 0
}

// TestPointResetAll - reset all test points.
func TestPointResetAll() {
	glog.V(1).Infof("disabling all test points")
	for i := range testPoints {
		TestPointReset(testPoints[i].tpID)
	}
}

// TestPointEnable - enable a given test point to be executed at given freq.
// if already enabled, this call will be a no-op
// If frequency is 0 or negative, this is a no-op.
// otherwise testpoint is enabled to be executed every 'freq' interval.
func TestPointEnable(tpID TestPointID, freq int) {
	testPointsMu.Lock()
	defer testPointsMu.Unlock()
	if freq > 0 && isValidTestPoint(tpID) && !testPoints[tpID].enabled {
		numTestPointsEnabled++
		testPoints[tpID].enabled = true
		testPoints[tpID].freq = freq
		glog.Infof("enabling test point %v", testPoints[tpID])
	} else {
		glog.V(2).Infof("Ignoring enable call for %v, %d", tpID, freq)
	}
}

// TestPointDisable - disables a test point temporarily.
// if already disabled, this call will be a no-op. Note that it doesn't reset
// any settings for the test point and just disables it.
func TestPointDisable(tpID TestPointID) {
	testPointsMu.Lock()
	defer testPointsMu.Unlock()
	if isValidTestPoint(tpID) && testPoints[tpID].enabled {
		numTestPointsEnabled--
		testPoints[tpID].enabled = false
		glog.Infof("disabling test point %v", testPoints[tpID])
	}
}

// TestPointReset - Reset a given test point so that it will not be executed.
func TestPointReset(tpID TestPointID) {
	testPointsMu.Lock()
	defer testPointsMu.Unlock()
	if !isValidTestPoint(tpID) {
		return
	}
	if testPoints[tpID].enabled {
		numTestPointsEnabled--
	}
	testPoints[tpID].enabled = false
	testPoints[tpID].freq = 0
	testPoints[tpID].iters = 0
}

// TestPointExecute - Execute a given testpoint if it's enabled and the settings
// indicate that it should.
// returns true if the checkpoint should execute.
func TestPointExecute(tpID TestPointID) bool {
	testPointsMu.Lock()
	defer testPointsMu.Unlock()
	if !isValidTestPoint(tpID) || !testPoints[tpID].enabled {
		return false
	}
	testPoints[tpID].iters++
	if (testPoints[tpID].iters % testPoints[tpID].freq) == 0 {
		glog.Infof("executing testpoint %s (iter: %d, freq: %d)",
			testPoints[tpID].desc, testPoints[tpID].iters, testPoints[tpID].freq)
		return true
	}
	return false
}
