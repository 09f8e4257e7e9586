// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"

	"objectcache/common"

	driver "github.com/arangodb/go-driver"
	"github.com/arangodb/go-driver/http"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// ArangoDBDoc a document definition for arango DB that we use internally.
type ArangoDBDoc struct {
	Key   string      `json:"_key"`
	Value interface{} `json:"value"`
}

// ArangoDBMgr - object to represent the Arango DB persistence manager
// to be used as the DB manager with the object cache.
// endpoint -- name of the endpoint to connect to (where DB can be reached)
// dbName   -- name of the database to use/create.
// db       -- db object
// dbClient -- db client.
// cName    -- collection name to be used for objects.
type ArangoDBMgr struct {
	endpoint string // this contains one or more endpoint URLs to connect
	dbName   string // database name for this driver
	db       driver.Database
	dbClient driver.Client
	cName    string
}

// NewArangoDBMgr creates an object of type ArangoDBMgr.
// endpoint  - database endpoint
// username  - username to use to connect to db.
// passwd    - password to use to connect to db.
// cName     - name of the collection to check or create. If empty, a new
//             object space with a generated name is created.
//
// This will connect to the db, create the database (if it doesn't exist) and
// create the collection to be used for the objects (if it doesn't exist).
// In case of error, it returns nil object with error.
func NewArangoDBMgr(endpoint string, dbName, userName, passwd string,
	cName string) (*ArangoDBMgr, error) {

	conn, err := http.NewConnection(http.ConnectionConfig{
		Endpoints: []string{endpoint},
	})
	if err != nil {
		glog.Errorf("could not connect to endpoints %s :: %v", endpoint, err)
		return nil, err
	}
	auth := driver.BasicAuthentication(userName, passwd)
	conn.SetAuthentication(auth)

	client, err := driver.NewClient(driver.ClientConfig{
		Connection: conn,
	})
	if err != nil {
		glog.Errorf("could not get a client for endpoints %s :: %v", endpoint, err)
		return nil, err
	}

	// check if the DB exists, if not found, create it
	ctx := context.Background()
	found, errDB := client.DatabaseExists(ctx, dbName)
	if errDB != nil {
		glog.Errorf("could not check existence of database %s :: %v", dbName, errDB)
		return nil, errDB
	}
	if !found {
		_, errC := client.CreateDatabase(ctx, dbName, nil)
		if errC != nil {
			glog.Errorf("could not create database %s :: %v", dbName, errC)
			return nil, errC
		}
	}
	db, err := client.Database(ctx, dbName)
	if err != nil {
		glog.Errorf("could not open up the database %s :: %v", dbName, err)
		return nil, err
	}
	glog.Infof("using database %s", db.Name())

	if cName == "" {
		cName = newObjectSpaceName(dbName)
		glog.Infof("No collection given. Generated object space name %v", cName)
	}

	dbMgr := &ArangoDBMgr{
		endpoint: endpoint,
		dbName:   dbName,
		db:       db,
		dbClient: client,
		cName:    cName,
	}

	err = dbMgr.CreateTable(cName)
	if err != nil {
		glog.Errorf("failed to create collection %v (err: %v)", cName, err)
		return nil, err
	}
	return dbMgr, nil
}

// newObjectSpaceName - collection name for a fresh object space.
func newObjectSpaceName(dbName string) string {
	return fmt.Sprintf("%s_objects_%s", dbName, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// CreateTable creates a table or a collection with a given name.
func (mgr *ArangoDBMgr) CreateTable(name string) error {
	ctx := context.Background()
	found, err := mgr.db.CollectionExists(ctx, name)
	if err != nil {
		glog.Errorf("table exist check failed for %s :: %v", name, err)
		return err
	}
	if found {
		glog.Infof("collection %s exists, nothing else needed", name)
		return nil
	}
	options := &driver.CreateCollectionOptions{
		WaitForSync:       true,
		ReplicationFactor: 1,
		NumberOfShards:    1,
	}
	col, err := mgr.db.CreateCollection(ctx, name, options)
	if err != nil {
		glog.Errorf("could not create table %s :: %v", name, err)
		return err
	}
	glog.Infof("created table %s successfully", col.Name())
	return nil
}

// DeleteTable deletes a table or a collection with a given name.
func (mgr *ArangoDBMgr) DeleteTable(name string) error {
	ctx := context.Background()
	col, err := mgr.db.Collection(ctx, name)
	if err != nil {
		if driver.IsNotFound(err) {
			glog.Infof("collection not found : %s", name)
			return common.ErrNotFound
		}
		glog.Errorf("could not get collection %s :: %v", name, err)
		return err
	}
	if errRem := col.Remove(ctx); errRem != nil {
		glog.Errorf("could not delete collection %s :: %v", name, errRem)
		return errRem
	}
	return nil
}

// Load - Load an object from the DB
func (mgr *ArangoDBMgr) Load(ctx context.Context, id common.ObjectID) (*ManagedObject, error) {
	var doc ArangoDBDoc
	col, err := mgr.db.Collection(ctx, mgr.cName)
	if err != nil {
		glog.Errorf("could not get collection %s :: %v", mgr.cName, err)
		return nil, err
	}
	_, err = col.ReadDocument(ctx, id.ToString(), &doc)
	if err != nil {
		if driver.IsNotFound(err) {
			glog.V(2).Infof("object not found : %v", id)
			return nil, common.ErrNotFound
		}
		glog.Errorf("could not read object %v :: %v", id, err)
		return nil, fmt.Errorf("%w: %v", common.ErrDBLoadFailed, err)
	}
	var so storedObject
	if decodeErr := Decode(doc.Value, &so); decodeErr != nil {
		glog.Errorf("failed to decode object %v (err: %v)", id, decodeErr)
		return nil, decodeErr
	}
	glog.V(2).Infof("loaded %v from db", id)
	return so.toManagedObject(), nil
}

// Save - store an object in the DB
func (mgr *ArangoDBMgr) Save(ctx context.Context, obj *ManagedObject) error {
	return mgr.AtomicUpdate(ctx, saveOps([]*ManagedObject{obj}))
}

// SaveBatch - store a batch of objects in one transaction.
func (mgr *ArangoDBMgr) SaveBatch(ctx context.Context, objs []*ManagedObject) error {
	return mgr.AtomicUpdate(ctx, saveOps(objs))
}

// DeleteBatch - delete a batch of objects in one transaction.
func (mgr *ArangoDBMgr) DeleteBatch(ctx context.Context, ids []common.ObjectID) error {
	return mgr.AtomicUpdate(ctx, deleteOps(ids))
}

// AtomicUpdate - Updates the DB atomically with the provided ops.
func (mgr *ArangoDBMgr) AtomicUpdate(ctx context.Context, ops []common.DBOp) error {
	if len(ops) == 0 {
		return nil
	}
	colOptions := driver.TransactionCollections{Exclusive: []string{mgr.cName}}
	db := mgr.db
	col, err := db.Collection(ctx, mgr.cName)
	if err != nil {
		glog.Errorf("failed to connect to table %v (err: %v)", mgr.cName, err)
		return err
	}
	txid, err := db.BeginTransaction(ctx, colOptions, nil)
	if err != nil {
		glog.Errorf("failed to initiate the txn (err: %v)", err)
		return err
	}
	tctx := driver.WithTransactionID(ctx, txid)

	for i := 0; i < len(ops); i++ {
		key := ops[i].ID.ToString()
		switch ops[i].Op {
		case common.DBOpStore:
			var found bool
			found, err = col.DocumentExists(tctx, key)
			if err != nil {
				glog.Errorf("could not check existence of key %s :: %v", key, err)
				break
			}
			newVal := ArangoDBDoc{
				Key:   key,
				Value: toStoredObject(ops[i].E.(*ManagedObject)),
			}
			if !found {
				_, err = col.CreateDocument(tctx, newVal)
			} else {
				_, err = col.ReplaceDocument(tctx, key, newVal)
			}
		case common.DBOpDelete:
			_, err = col.RemoveDocument(tctx, key)
			if driver.IsNotFound(err) {
				glog.V(1).Infof("key %s was already not present", key)
				err = nil
			}
		}
		if err != nil {
			glog.Errorf("failed to execute %v with key:%v (err: %v)", ops[i].Op, key, err)
			break
		}
	}
	if err != nil {
		glog.Infof("Aborting transaction containing %d ops", len(ops))
		if errAbort := db.AbortTransaction(ctx, txid, nil); errAbort != nil {
			glog.Errorf("failed to abort transaction (err: %v)", errAbort)
		}
		return fmt.Errorf("%w: %v", common.ErrDBUpdateFailed, err)
	}
	glog.V(1).Infof("Commiting transaction containing %d ops", len(ops))
	if err = db.CommitTransaction(ctx, txid, nil); err != nil {
		glog.Errorf("failed to commit transaction (err: %v)", err)
		return fmt.Errorf("%w: %v", common.ErrDBUpdateFailed, err)
	}
	return nil
}

// Policy -- Get the policy name for this manager.
func (mgr *ArangoDBMgr) Policy() string {
	return common.DBMgrPolicyADB
}

// BytesHookFunc decodes the base64 strings JSON produces for byte slices.
func BytesHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]byte(nil)) {
			return data, nil
		}
		return base64.StdEncoding.DecodeString(data.(string))
	}
}

// Decode converts a map to a struct by mapping key names to
// fields in the struct. It uses a mapstructure library to do the task.
func Decode(input interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:   nil,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(BytesHookFunc()),
		Result:     result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
