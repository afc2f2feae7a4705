// Package store abstracts where the node inventory lives. The engine only
// needs Load and Save; watching is optional and store-dependent.
package store

type Store interface {
	Load(out any) error
	Save(in any) error
}
