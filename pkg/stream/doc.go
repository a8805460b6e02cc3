// Package stream is the Kafka side of loadbench: topic provisioning, a batch
// producer and a consumer-group subscriber, all sharing one sarama client.
//
// Topology:
// - EnsureStream creates a missing topic with the requested partition count and
//   replication factor 1, or grows an existing one. Partitions are never removed.
// - Concurrent provisioners are tolerated: "already exists" is success.
//
// Partitioning Strategy:
// - Record i of a batch goes to partition i mod partitionCount.
// - Keys are sent but ignored for placement. Load is spread evenly at the cost
//   of per-key ordering: two records with the same key may land on different
//   partitions.
//
// Consumer Groups:
// - Default group is test-group, starting from the earliest offset.
// - Records of one partition are handled one at a time in offset order;
//   partitions are handled concurrently.
// - Handler errors are logged and the record is committed anyway. There is no
//   retry and no dead-letter topic.
//
// Configuration:
// - SASL/SCRAM (sha256, sha512) and TLS are supported via Config.
// - The producer never retries; retry policy belongs to the caller.
package stream
