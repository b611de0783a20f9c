// Package pebblestore wraps Pebble with an fsync policy and the few keyspace
// helpers flomq's metadata stores need: prefix scans, range deletes and
// persistent counters.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data/meta",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	_ = db.Set([]byte("addr/orders"), meta)
//	_ = db.Scan([]byte("addr/"), func(k, v []byte) bool { return true })
package pebblestore
