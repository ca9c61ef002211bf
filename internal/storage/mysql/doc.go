// Package mysql persists the connect attempt journal. Two backends share
// the AttemptRepository contract: a JSON-lines file kept in memory for
// local development and a MySQL table managed by embedded migrations.
package mysql
