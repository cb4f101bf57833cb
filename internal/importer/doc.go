// Package importer defines the domain types and small interfaces shared by the
// country content import pipeline.
package importer
