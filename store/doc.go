// Package store defines the Backend interface that the key-allocation
// core uses to talk to a wide-column store.
//
// The core was written against HBase but nothing in this package assumes
// HBase specifically: a Backend exposes only the handful of row/column
// operations the lock protocol and counter allocator need — row read,
// per-column put, compare-and-set, atomic increment, prefix scan and
// batch delete — addressed against a logical table name. Three
// implementations live alongside this package: store/memory (an
// in-process fixture used by the module's unit tests), and the
// durable store/bboltstore and store/etcdstore backends.
//
//  - Root Store
//    - lookup table
//      - row "ds1|ic|cc|cat1"
//        - column "lock":   opaque token, cell timestamp set by the writer
//        - column "k":      big-endian int32 occurrence key
//        - column "status": "ALLOCATED"
//    - counter table
//      - row 1
//        - column "c": monotonic int64 counter
//    - occurrence table
//      - row <key>
//        - column "datasetKey": ...
package store
