// Package domain implements the six SDK "domain" state machines (topics,
// attachments, markers, identities, contacts, voice sessions) sharing a
// uniform guard/concurrency/listing/persistence pattern, grounded on the
// teacher's store/bolt.go atomic-config-write idiom generalized from a
// single bbolt transaction to a whole-state JSON snapshot written
// temp-file/fsync/rename/dir-fsync, the same durability recipe
// internal/dutycycle uses for its much smaller state file.
package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Domains holds every domain's in-memory state behind a single lock
// (the "domain-state lock") and mirrors every mutation to an atomic
// snapshot on disk.
type Domains struct {
	mu sync.Mutex

	path string
	now  func() int64

	topics      map[string]Topic
	topicOrder  []string

	attachments     map[string]Attachment
	attachmentOrder []string
	uploads         map[string]*UploadSession

	markers     map[string]Marker
	markerOrder []string

	identities     map[string]Identity
	identityOrder  []string

	contacts     map[string]Contact
	contactOrder []string

	voice      map[string]VoiceSession
	voiceOrder []string

	loadedAtMS int64
}

// New constructs a Domains service backed by the snapshot at path. An
// empty path disables persistence.
func New(path string, now func() int64) *Domains {
	d := &Domains{
		path:        path,
		now:         now,
		topics:      make(map[string]Topic),
		attachments: make(map[string]Attachment),
		uploads:     make(map[string]*UploadSession),
		markers:     make(map[string]Marker),
		identities:  make(map[string]Identity),
		contacts:    make(map[string]Contact),
		voice:       make(map[string]VoiceSession),
	}

	d.restoreLocked()

	return d
}

// restoreLocked loads the persisted snapshot into memory. Callers must
// hold d.mu, or call it only before the Domains value is shared (as New
// does).
func (d *Domains) restoreLocked() {
	snap, err := loadSnapshot(d.path)
	if err != nil {
		return
	}

	for _, t := range snap.Topics {
		d.topics[t.ID] = t
		d.topicOrder = append(d.topicOrder, t.ID)
	}
	for _, a := range snap.Attachments {
		d.attachments[a.ID] = a
		d.attachmentOrder = append(d.attachmentOrder, a.ID)
	}
	for _, u := range snap.UploadSessions {
		u := u
		d.uploads[u.UploadID] = &u
	}
	for _, m := range snap.Markers {
		d.markers[m.ID] = m
		d.markerOrder = append(d.markerOrder, m.ID)
	}
	for _, i := range snap.Identities {
		d.identities[i.ID] = i
		d.identityOrder = append(d.identityOrder, i.ID)
	}
	for _, c := range snap.Contacts {
		d.contacts[c.Identity] = c
		d.contactOrder = append(d.contactOrder, c.Identity)
	}
	for _, v := range snap.VoiceSessions {
		d.voice[v.ID] = v
		d.voiceOrder = append(d.voiceOrder, v.ID)
	}
}

// reloadIfNewerLocked implements the domain-state lock's restoration
// rule: if a persisted snapshot exists and is newer than the copy this
// process loaded, reload it before mutating. Callers must hold d.mu.
func (d *Domains) reloadIfNewerLocked() {
	if !fileNewer(d.path, d.loadedAtMS) {
		return
	}

	d.topics = make(map[string]Topic)
	d.topicOrder = nil
	d.attachments = make(map[string]Attachment)
	d.attachmentOrder = nil
	d.uploads = make(map[string]*UploadSession)
	d.markers = make(map[string]Marker)
	d.markerOrder = nil
	d.identities = make(map[string]Identity)
	d.identityOrder = nil
	d.contacts = make(map[string]Contact)
	d.contactOrder = nil
	d.voice = make(map[string]VoiceSession)
	d.voiceOrder = nil

	d.restoreLocked()
	d.loadedAtMS = d.now()
}

// snapshotLocked builds the Snapshot struct from in-memory state. Callers
// must hold d.mu.
func (d *Domains) snapshotLocked() Snapshot {
	snap := Snapshot{}

	for _, id := range d.topicOrder {
		snap.Topics = append(snap.Topics, d.topics[id])
	}
	for _, id := range d.attachmentOrder {
		snap.Attachments = append(snap.Attachments, d.attachments[id])
	}
	for _, u := range d.uploads {
		snap.UploadSessions = append(snap.UploadSessions, *u)
	}
	for _, id := range d.markerOrder {
		snap.Markers = append(snap.Markers, d.markers[id])
	}
	for _, id := range d.identityOrder {
		snap.Identities = append(snap.Identities, d.identities[id])
	}
	for _, id := range d.contactOrder {
		snap.Contacts = append(snap.Contacts, d.contacts[id])
	}
	for _, id := range d.voiceOrder {
		snap.VoiceSessions = append(snap.VoiceSessions, d.voice[id])
	}

	sort.Slice(snap.UploadSessions, func(i, j int) bool {
		return snap.UploadSessions[i].UploadID < snap.UploadSessions[j].UploadID
	})

	return snap
}

// persistLocked writes the current state to disk. Callers must hold d.mu.
func (d *Domains) persistLocked() error {
	if err := persistSnapshot(d.path, d.snapshotLocked()); err != nil {
		return rpcerr.Newf(rpcerr.CodeStorageWrite, "persisting domain snapshot: %v", err)
	}

	d.loadedAtMS = d.now()

	return nil
}

// cursor encodes/decodes the "<domain>:<index>" pagination cursor shared
// by every domain listing.
func encodeCursor(domain string, index int) string {
	return fmt.Sprintf("%s:%d", domain, index)
}

func decodeCursor(domain, cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	prefix := domain + ":"
	if !strings.HasPrefix(cursor, prefix) {
		return 0, rpcerr.New(rpcerr.CodeInvalidCursor, "cursor does not belong to this listing")
	}

	idx, err := strconv.Atoi(strings.TrimPrefix(cursor, prefix))
	if err != nil || idx < 0 {
		return 0, rpcerr.New(rpcerr.CodeInvalidCursor, "cursor is malformed")
	}

	return idx, nil
}

// clampLimit applies the shared [1,500] default-100 listing limit rule.
func clampLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultListLimit, nil
	}

	if limit < 1 || limit > maxListLimit {
		return 0, rpcerr.New(rpcerr.CodeInvalidArgument, "limit must be between 1 and 500")
	}

	return limit, nil
}

// paginate applies the shared insertion-order cursor-pagination rule
// used by every domain listing operation.
func paginate(domain string, order []string, cursor string, limit int) ([]string, string, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, "", err
	}

	start, err := decodeCursor(domain, cursor)
	if err != nil {
		return nil, "", err
	}

	if start > len(order) {
		return nil, "", rpcerr.New(rpcerr.CodeInvalidCursor, "cursor is past the end of the listing")
	}

	end := start + limit
	if end > len(order) {
		end = len(order)
	}

	page := order[start:end]

	next := ""
	if end < len(order) {
		next = encodeCursor(domain, end)
	}

	return page, next, nil
}
