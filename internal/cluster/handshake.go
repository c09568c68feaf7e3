package cluster

import (
	"crypto/subtle"
	"encoding/binary"
	"io"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/crypto/blake2b"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// MaxClockSkew bounds the age of a handshake timestamp.
const MaxClockSkew = 2 * time.Minute

// hello is exchanged on the handshake channel. The dialling node sends it
// first; the accepting node answers with Reply set.
type hello struct {
	ClusterID string              `json:"clusterId"`
	Identity  domain.NodeIdentity `json:"identity"`
	Version   string              `json:"version"`
	Timestamp int64               `json:"timestamp"`
	Reply     bool                `json:"reply"`
	MAC       []byte              `json:"mac"`
}

// authenticator signs and verifies hello messages with a key derived from
// the cluster secret.
type authenticator struct {
	clusterID string
	key       [blake2b.Size256]byte
	now       func() time.Time
}

func newAuthenticator(clusterID, secret string) *authenticator {
	return &authenticator{
		clusterID: clusterID,
		key:       blake2b.Sum256([]byte(secret)),
		now:       time.Now,
	}
}

func (a *authenticator) mac(h *hello) []byte {
	m, err := blake2b.New256(a.key[:])
	if err != nil {
		// The key is always 32 bytes.
		panic(err)
	}
	writeField(m, h.ClusterID)
	writeField(m, h.Identity.UniqueID)
	for _, l := range h.Identity.Listeners {
		writeField(m, l.String())
	}
	writeField(m, h.Version)

	var tail [9]byte
	binary.BigEndian.PutUint64(tail[:8], uint64(h.Timestamp))
	if h.Reply {
		tail[8] = 1
	}
	m.Write(tail[:])
	return m.Sum(nil)
}

func writeField(w io.Writer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	w.Write(n[:])
	w.Write([]byte(s))
}

// sign builds a signed hello for the local identity.
func (a *authenticator) sign(id domain.NodeIdentity, version string, reply bool) ([]byte, error) {
	h := &hello{
		ClusterID: a.clusterID,
		Identity:  id,
		Version:   version,
		Timestamp: a.now().UnixMilli(),
		Reply:     reply,
	}
	h.MAC = a.mac(h)
	return json.Marshal(h)
}

// verify decodes and checks a hello message.
func (a *authenticator) verify(payload []byte) (*hello, error) {
	var h hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, domain.ErrHandshakeRejected.WithCause(err).WithDetails("undecodable hello")
	}
	if h.ClusterID != a.clusterID {
		return nil, domain.ErrHandshakeRejected.WithDetailsf("cluster id %q does not match", h.ClusterID)
	}
	if subtle.ConstantTimeCompare(h.MAC, a.mac(&h)) != 1 {
		return nil, domain.ErrHandshakeRejected.WithDetailsf("invalid signature from node %q", h.Identity.UniqueID)
	}
	if skew := a.now().Sub(time.UnixMilli(h.Timestamp)).Abs(); skew > MaxClockSkew {
		return nil, domain.ErrHandshakeRejected.WithDetailsf("timestamp of node %q is %s off", h.Identity.UniqueID, skew.Round(time.Second))
	}
	if err := h.Identity.Validate(); err != nil {
		return nil, domain.ErrHandshakeRejected.WithCause(err).WithDetails("invalid node identity")
	}
	return &h, nil
}
