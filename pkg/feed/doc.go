// Package feed reads lot changes from the CouchDB change feed that the
// registry replicates lots into.
package feed
