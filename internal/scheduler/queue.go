// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package scheduler

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Entry is one scheduled data source.
type Entry struct {
	DataSourceID int64
	NextRun      time.Time
}

func entryLess(a, b Entry) bool {
	if !a.NextRun.Equal(b.NextRun) {
		return a.NextRun.Before(b.NextRun)
	}
	return a.DataSourceID < b.DataSourceID
}

// Queue orders data sources by (NextRun, DataSourceID). Each source
// appears at most once.
type Queue struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[Entry]
	index map[int64]time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{tree: btree.NewG(16, entryLess), index: make(map[int64]time.Time)}
}

// Upsert schedules id at next, replacing any earlier entry.
func (q *Queue) Upsert(id int64, next time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if prev, ok := q.index[id]; ok {
		q.tree.Delete(Entry{DataSourceID: id, NextRun: prev})
	}
	q.index[id] = next
	q.tree.ReplaceOrInsert(Entry{DataSourceID: id, NextRun: next})
}

// Remove drops id and reports whether it was queued.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	q.tree.Delete(Entry{DataSourceID: id, NextRun: prev})
	return true
}

// Get returns id's scheduled time.
func (q *Queue) Get(id int64) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.index[id]
	return t, ok
}

// PopDue removes and returns at most n entries due at or before now, in
// queue order.
func (q *Queue) PopDue(now time.Time, n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Entry
	for len(due) < n {
		min, ok := q.tree.Min()
		if !ok || min.NextRun.After(now) {
			break
		}
		q.tree.DeleteMin()
		delete(q.index, min.DataSourceID)
		due = append(due, min)
	}
	return due
}

// Peek returns the earliest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Min()
}

// Len returns the number of queued sources.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
