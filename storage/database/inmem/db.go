package inmemdb

import (
	"sync"

	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

type (
	// DB holds every table in memory. A single lock guards them all, so that a commit is atomic.
	DB struct {
		mutex   sync.RWMutex
		jobs    map[string]*jobRow
		courses map[string]*courseimport.Course // by ID
		modules map[string]*courseimport.Module // by ID
	}

	jobRow struct {
		job    courseimport.Job
		data   []byte
		errors []importer.ImportError
	}
)

func Open() *DB {
	return &DB{
		jobs:    make(map[string]*jobRow),
		courses: make(map[string]*courseimport.Course),
		modules: make(map[string]*courseimport.Module),
	}
}
