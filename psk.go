package mls

import (
	"bytes"
	"sync"

	"golang.org/x/crypto/cryptobyte"
)

type PSKType uint8

const (
	PSKTypeExternal   PSKType = 1
	PSKTypeResumption PSKType = 2
)

type ResumptionPSKUsage uint8

const (
	ResumptionPSKUsageApplication ResumptionPSKUsage = 1
	ResumptionPSKUsageReInit      ResumptionPSKUsage = 2
	ResumptionPSKUsageBranch      ResumptionPSKUsage = 3
)

// struct {
//     PSKType psktype;
//     select (PreSharedKeyID.psktype) {
//         case external:
//             opaque psk_id<V>;
//         case resumption:
//             ResumptionPSKUsage usage;
//             opaque psk_group_id<V>;
//             uint64 psk_epoch;
//     };
//     opaque psk_nonce<V>;
// } PreSharedKeyID;
type PreSharedKeyID struct {
	PSKType    PSKType
	PSKID      []byte
	Usage      ResumptionPSKUsage
	PSKGroupID []byte
	PSKEpoch   uint64
	PSKNonce   []byte
}

func NewExternalPSKID(suite Suite, id []byte) (PreSharedKeyID, error) {
	nonce, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return PreSharedKeyID{}, err
	}

	return PreSharedKeyID{PSKType: PSKTypeExternal, PSKID: dup(id), PSKNonce: nonce}, nil
}

func NewResumptionPSKID(suite Suite, usage ResumptionPSKUsage, groupID []byte, epoch uint64) (PreSharedKeyID, error) {
	nonce, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return PreSharedKeyID{}, err
	}

	return PreSharedKeyID{
		PSKType:    PSKTypeResumption,
		Usage:      usage,
		PSKGroupID: dup(groupID),
		PSKEpoch:   epoch,
		PSKNonce:   nonce,
	}, nil
}

func (id PreSharedKeyID) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(id.PSKType))
	switch id.PSKType {
	case PSKTypeExternal:
		writeOpaque(b, id.PSKID)
	case PSKTypeResumption:
		b.AddUint8(uint8(id.Usage))
		writeOpaque(b, id.PSKGroupID)
		b.AddUint64(id.PSKEpoch)
	}
	writeOpaque(b, id.PSKNonce)
}

func (id *PreSharedKeyID) unmarshal(d *decoder) {
	id.PSKType = PSKType(d.readUint8())
	switch id.PSKType {
	case PSKTypeExternal:
		id.PSKID = d.readOpaque()
	case PSKTypeResumption:
		id.Usage = ResumptionPSKUsage(d.readUint8())
		if d.ok() {
			if err := validateEnum(id.Usage, ResumptionPSKUsageApplication, ResumptionPSKUsageReInit, ResumptionPSKUsageBranch); err != nil {
				d.fail(err)
			}
		}
		id.PSKGroupID = d.readOpaque()
		id.PSKEpoch = d.readUint64()
	default:
		if d.ok() {
			d.malformed("invalid PSK type %d", id.PSKType)
		}
	}
	id.PSKNonce = d.readOpaque()
}

// sameKey reports whether two IDs name the same PSK, ignoring the nonce
func (id PreSharedKeyID) sameKey(o PreSharedKeyID) bool {
	if id.PSKType != o.PSKType {
		return false
	}

	if id.PSKType == PSKTypeExternal {
		return bytes.Equal(id.PSKID, o.PSKID)
	}
	return id.Usage == o.Usage && bytes.Equal(id.PSKGroupID, o.PSKGroupID) && id.PSKEpoch == o.PSKEpoch
}

///
/// PSK storage
///

// PSKStore supplies external pre-shared keys by identifier
type PSKStore interface {
	PSK(id []byte) ([]byte, bool)
}

// MemoryPSKStore is a PSKStore backed by a map, safe for concurrent use
type MemoryPSKStore struct {
	mu   sync.RWMutex
	psks map[string][]byte
}

func NewMemoryPSKStore() *MemoryPSKStore {
	return &MemoryPSKStore{psks: map[string][]byte{}}
}

func (s *MemoryPSKStore) Add(id, psk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.psks[string(id)] = dup(psk)
}

func (s *MemoryPSKStore) Remove(id []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.psks, string(id))
}

func (s *MemoryPSKStore) PSK(id []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	psk, ok := s.psks[string(id)]
	return dup(psk), ok
}

///
/// PSK secret
///

type pskWithSecret struct {
	ID     PreSharedKeyID
	Secret []byte
}

// struct {
//     PreSharedKeyID id;
//     uint16 index;
//     uint16 count;
// } PSKLabel;
func pskLabel(id PreSharedKeyID, index, count int) []byte {
	b := cryptobyte.NewBuilder(nil)
	id.marshal(b)
	b.AddUint16(uint16(index))
	b.AddUint16(uint16(count))
	return b.BytesOrPanic()
}

// computePSKSecret chains the PSKs in order of appearance.  With no PSKs the
// result is the all-zero secret.
func computePSKSecret(suite Suite, psks []pskWithSecret) []byte {
	secret := suite.zero()
	for i, psk := range psks {
		extracted := suite.KDF.Extract(suite.zero(), psk.Secret)
		input := suite.expandWithLabel(extracted, "derived psk", pskLabel(psk.ID, i, len(psks)), suite.KDF.Size())
		next := suite.KDF.Extract(input, secret)

		zeroize(extracted)
		zeroize(input)
		zeroize(secret)
		secret = next
	}
	return secret
}
