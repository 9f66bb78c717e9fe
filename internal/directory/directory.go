// Package directory maps room IDs to rooms, mints fresh rooms, and builds
// the connection URLs clients use to reach them.
package directory

import (
	"fmt"
	"io"
	"sync"

	"github.com/driftlab/driftdb/errs"
	"github.com/driftlab/driftdb/internal/store"
)

// RoomResult is the admission payload returned by /new and /room/{id}.
type RoomResult struct {
	Room      string `json:"room"`
	SocketURL string `json:"socket_url"`
	HTTPURL   string `json:"http_url"`
}

// Directory is the process-wide room registry.
//
// Resolution auto-creates: a room ID is the capability, so presenting an ID
// that does not resolve simply mints the room, matching the original
// service's name-addressed rooms.
type Directory struct {
	externalHost string
	useHTTPS     bool

	gen *IDGenerator

	mu    sync.Mutex
	rooms map[string]*store.Room
}

// New builds a directory. externalHost is the host clients should dial
// (host[:port], no scheme); entropy nil means crypto/rand.
func New(externalHost string, useHTTPS bool, entropy io.Reader) *Directory {
	return &Directory{
		externalHost: externalHost,
		useHTTPS:     useHTTPS,
		gen:          NewIDGenerator(entropy),
		rooms:        make(map[string]*store.Room),
	}
}

// NewRoom mints a fresh room with an unguessable ID.
func (d *Directory) NewRoom() (RoomResult, error) {
	for {
		id, err := d.gen.Generate()
		if err != nil {
			return RoomResult{}, err
		}
		d.mu.Lock()
		if _, taken := d.rooms[id]; taken {
			// Vanishingly unlikely; mint another.
			d.mu.Unlock()
			continue
		}
		d.rooms[id] = store.NewRoom(id)
		d.mu.Unlock()
		return d.result(id), nil
	}
}

// GetRoom resolves a room ID to its admission payload, creating the room on
// first reference.
func (d *Directory) GetRoom(id string) (RoomResult, error) {
	if !ValidID(id) {
		return RoomResult{}, errs.New("directory/get-room", errs.CodeNotFound,
			errs.WithMessage("malformed room id"))
	}
	d.resolve(id)
	return d.result(id), nil
}

// Resolve returns the room for id, creating it if absent.
func (d *Directory) Resolve(id string) (*store.Room, error) {
	if !ValidID(id) {
		return nil, errs.New("directory/resolve", errs.CodeNotFound,
			errs.WithMessage("malformed room id"))
	}
	return d.resolve(id), nil
}

// Lookup returns the room for id without creating it.
func (d *Directory) Lookup(id string) (*store.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	return room, ok
}

// Rooms snapshots the current room set.
func (d *Directory) Rooms() []*store.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*store.Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		out = append(out, room)
	}
	return out
}

func (d *Directory) resolve(id string) *store.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	if !ok {
		room = store.NewRoom(id)
		d.rooms[id] = room
	}
	return room
}

func (d *Directory) evict(id string) (*store.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	if ok {
		delete(d.rooms, id)
	}
	return room, ok
}

func (d *Directory) result(id string) RoomResult {
	wsScheme, httpScheme := "ws", "http"
	if d.useHTTPS {
		wsScheme, httpScheme = "wss", "https"
	}
	return RoomResult{
		Room:      id,
		SocketURL: fmt.Sprintf("%s://%s/room/%s/connect", wsScheme, d.externalHost, id),
		HTTPURL:   fmt.Sprintf("%s://%s/room/%s/send", httpScheme, d.externalHost, id),
	}
}
