// Package storage provides the node-local document database.
//
// Named databases hold JSON documents by key and share one Badger instance.
// The data is never replicated; every node has its own. Remote nodes reach
// it through the DatabaseProvider RPC contract.
//
// Key layout:
//
//	m\x00<database>          marker of an existing database
//	d\x00<database>\x00<key> document
package storage
