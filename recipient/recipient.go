// Package recipient implements the contact directory the identity store
// resolves addresses against.
//
// A contact is known by a local ID and up to two addresses: a canonical
// service identifier (a UUID string) and a legacy phone-number address
// (E164). Identity records were historically keyed by E164 before service
// identifiers existed, so lookups by service identifier may need to fall
// back to the legacy form.
//
// The directory also tracks which contacts need a storage-sync push.
package recipient

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ID identifies a contact locally.
type ID int64

// Unknown is the zero ID; no contact ever has it.
const Unknown ID = 0

var (
	// ErrInvalidContact is returned for contacts without any address.
	ErrInvalidContact = errors.New("contact needs a service id or an e164")
	// ErrDuplicateAddress is returned when an address already belongs to another contact.
	ErrDuplicateAddress = errors.New("address already assigned to another contact")
)

// Contact is a directory entry.
type Contact struct {
	ID        ID
	ServiceID string
	E164      string
	Name      string
}

// HasServiceID reports whether the contact has a canonical service identifier.
func (c Contact) HasServiceID() bool { return c.ServiceID != "" }

// HasE164 reports whether the contact has a legacy phone-number address.
func (c Contact) HasE164() bool { return c.E164 != "" }

// IsServiceID reports whether s has the shape of a service identifier: a
// hyphenated 36-character UUID.
func IsServiceID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NewServiceID returns a fresh random service identifier.
func NewServiceID() string {
	return uuid.NewString()
}

// Directory is a thread-safe contact directory.
type Directory struct {
	mu          sync.RWMutex
	nextID      ID
	byID        map[ID]Contact
	byServiceID map[string]ID
	byE164      map[string]ID
	needsSync   map[ID]struct{}
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		nextID:      1,
		byID:        make(map[ID]Contact),
		byServiceID: make(map[string]ID),
		byE164:      make(map[string]ID),
		needsSync:   make(map[ID]struct{}),
	}
}

// Add registers a contact and returns it with its assigned ID.
func (d *Directory) Add(serviceID, e164, name string) (Contact, error) {
	if serviceID == "" && e164 == "" {
		return Contact{}, ErrInvalidContact
	}
	serviceID = strings.ToLower(serviceID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byServiceID[serviceID]; serviceID != "" && taken {
		return Contact{}, ErrDuplicateAddress
	}
	if _, taken := d.byE164[e164]; e164 != "" && taken {
		return Contact{}, ErrDuplicateAddress
	}

	c := Contact{ID: d.nextID, ServiceID: serviceID, E164: e164, Name: name}
	d.nextID++

	d.byID[c.ID] = c
	if serviceID != "" {
		d.byServiceID[serviceID] = c.ID
	}
	if e164 != "" {
		d.byE164[e164] = c.ID
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Add",
		"recipient_id": c.ID,
		"has_sid":      c.HasServiceID(),
		"has_e164":     c.HasE164(),
	}).Debug("Contact added")

	return c, nil
}

// Remove deletes a contact. Identity records are not touched.
func (d *Directory) Remove(id ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)
	delete(d.byServiceID, c.ServiceID)
	delete(d.byE164, c.E164)
	delete(d.needsSync, id)
	return true
}

// Get returns the contact with the given ID.
func (d *Directory) Get(id ID) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	return c, ok
}

// ResolveByServiceID finds the contact owning a service identifier.
func (d *Directory) ResolveByServiceID(serviceID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byServiceID[strings.ToLower(serviceID)]
	if !ok {
		return Contact{}, false
	}
	return d.byID[id], true
}

// ResolveByE164 finds the contact owning a legacy phone-number address.
func (d *Directory) ResolveByE164(e164 string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byE164[e164]
	if !ok {
		return Contact{}, false
	}
	return d.byID[id], true
}

// ResolveByAddress resolves either address form.
func (d *Directory) ResolveByAddress(address string) (Contact, bool) {
	if IsServiceID(address) {
		return d.ResolveByServiceID(address)
	}
	return d.ResolveByE164(address)
}

// LegacyAddress returns the contact's legacy phone-number address.
func (d *Directory) LegacyAddress(c Contact) (string, bool) {
	if !c.HasE164() {
		return "", false
	}
	return c.E164, true
}

// PreferredAddress returns the service identifier of a contact, falling back
// to its E164 when it has none.
func (d *Directory) PreferredAddress(id ID) (string, bool) {
	c, ok := d.Get(id)
	if !ok {
		return "", false
	}
	if c.HasServiceID() {
		return c.ServiceID, true
	}
	if c.HasE164() {
		return c.E164, true
	}
	return "", false
}

// MarkNeedsSync flags a contact for the next storage-sync push. Unknown IDs
// are ignored.
func (d *Directory) MarkNeedsSync(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[id]; !ok {
		logrus.WithFields(logrus.Fields{
			"function":     "MarkNeedsSync",
			"recipient_id": id,
		}).Debug("Ignoring needs-sync mark for unknown contact")
		return
	}
	d.needsSync[id] = struct{}{}
}

// NeedsSync reports whether a contact is flagged for sync.
func (d *Directory) NeedsSync(id ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.needsSync[id]
	return ok
}

// TakeNeedsSync returns and clears the set of contacts flagged for sync,
// ordered by ID.
func (d *Directory) TakeNeedsSync() []ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]ID, 0, len(d.needsSync))
	for id := range d.needsSync {
		ids = append(ids, id)
	}
	d.needsSync = make(map[ID]struct{})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
