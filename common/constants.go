package common

// Constants used in objectcache package.
const (
	EvictionPolicyLocalLRU string = "local_lru"

	DBMgrPolicyLocalBTree string = "local_btree"
	DBMgrPolicyADB        string = "arango_db_mgr"
	DBMgrPolicyBadger     string = "badger_db_mgr"
)

// DBOpType -- types of DB operations
const (
	DBOpStore  DBOpType = 0
	DBOpDelete DBOpType = 1
)
