// Package mobile wraps the session controller with a gomobile-compatible
// API. gomobile cannot bind interfaces, slices of structs or context, so
// everything here is flat strings, ints and errors.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shinyes/yep_collab/pkg/identity"
	"github.com/shinyes/yep_collab/pkg/session"
	"github.com/shinyes/yep_collab/pkg/store"
)

// MobileController owns the sessions of one mobile app instance.
type MobileController struct {
	ctrl *session.Controller
	st   *store.BadgerStore
}

// NewMobileController creates a controller. serverURL may be empty for
// offline use; dataDir may be empty to disable snapshot persistence.
func NewMobileController(serverURL, dataDir string) (*MobileController, error) {
	opts := session.ControllerOptions{ServerURL: serverURL}
	var st *store.BadgerStore
	if dataDir != "" {
		var err error
		st, err = store.NewBadgerStore(dataDir)
		if err != nil {
			return nil, err
		}
		opts.Store = st
	}
	return &MobileController{ctrl: session.NewController(opts), st: st}, nil
}

// Close tears down every session and the snapshot store.
func (mc *MobileController) Close() error {
	mc.ctrl.CloseAll()
	if mc.st != nil {
		return mc.st.Close()
	}
	return nil
}

// OpenDocument opens (or joins) the session for documentID as the given
// user and returns a document handle.
func (mc *MobileController) OpenDocument(documentID, userID, displayName string) (*MobileDocument, error) {
	sess, err := mc.ctrl.Open(context.Background(), documentID, identity.Identity{
		ID:          userID,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, err
	}
	return &MobileDocument{sess: sess}, nil
}

// OpenAnonymous opens the session with the cached anonymous identity.
func (mc *MobileController) OpenAnonymous(documentID string) (*MobileDocument, error) {
	anon, err := identity.Anonymous()
	if err != nil {
		return nil, err
	}
	return mc.OpenDocument(documentID, anon.ID, anon.DisplayName)
}

// MobileDocument is the flat per-document handle handed to the app.
type MobileDocument struct {
	sess *session.Session
}

// Room returns the relay room id of this document.
func (md *MobileDocument) Room() string { return md.sess.Room() }

// Text returns the current document text, or "" once closed.
func (md *MobileDocument) Text() string {
	if d := md.sess.Document(); d != nil {
		return d.Text()
	}
	return ""
}

// Length returns the text length in runes.
func (md *MobileDocument) Length() int {
	if d := md.sess.Document(); d != nil {
		return d.Len()
	}
	return 0
}

// Insert inserts text before rune index idx.
func (md *MobileDocument) Insert(idx int, text string) error {
	d := md.sess.Document()
	if d == nil {
		return session.ErrClosed
	}
	return d.InsertText(idx, text)
}

// Delete removes n runes starting at rune index idx.
func (md *MobileDocument) Delete(idx, n int) error {
	d := md.sess.Document()
	if d == nil {
		return session.ErrClosed
	}
	return d.DeleteText(idx, n)
}

// ConnectionStatus returns "disconnected", "connecting" or "connected".
func (md *MobileDocument) ConnectionStatus() string {
	prov := md.sess.Provider()
	if prov == nil {
		return "disconnected"
	}
	return prov.Status().String()
}

// SetCursor publishes the local cursor position to peers.
func (md *MobileDocument) SetCursor(position int) {
	aw := md.sess.Awareness()
	if aw == nil {
		return
	}
	local, _ := aw.Local()
	local.Cursor = []byte(fmt.Sprintf("%d", position))
	aw.SetLocal(local)
}

// PeersJSON returns the other collaborators as a JSON array; gomobile cannot
// bind []Presence directly.
func (md *MobileDocument) PeersJSON() (string, error) {
	aw := md.sess.Awareness()
	if aw == nil {
		return "[]", nil
	}
	data, err := json.Marshal(aw.Others())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Save writes a manual snapshot immediately.
func (md *MobileDocument) Save() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return md.sess.Save(ctx)
}

// Close tears the session down.
func (md *MobileDocument) Close() {
	md.sess.Close()
}
