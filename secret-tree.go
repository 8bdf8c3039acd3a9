package mls

import (
	"github.com/suhasHere/mlscore/tree-math"
)

///
/// Hash ratchet
///

type ratchetType uint8

const (
	ratchetHandshake ratchetType = iota
	ratchetApplication
)

func (rt ratchetType) label() string {
	if rt == ratchetHandshake {
		return "handshake"
	}
	return "application"
}

// hashRatchet derives one (key, nonce) per generation.  The stored secret only
// moves forward; keys for generations skipped by a receiver are kept in a
// bounded cache until used or evicted.
type hashRatchet struct {
	Suite          Suite
	NextSecret     []byte
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce

	MaxForward uint32
	Retain     uint32
}

func newHashRatchet(suite Suite, baseSecret []byte, maxForward, retain uint32) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		MaxForward:     maxForward,
		Retain:         retain,
	}
}

func (hr *hashRatchet) advance() (uint32, keyAndNonce) {
	suite := hr.Suite
	generation := hr.NextGeneration
	key := suite.deriveTreeSecret(hr.NextSecret, "key", generation, suite.AEAD.KeySize())
	nonce := suite.deriveTreeSecret(hr.NextSecret, "nonce", generation, suite.AEAD.NonceSize())
	secret := suite.deriveTreeSecret(hr.NextSecret, "secret", generation, suite.KDF.Size())

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Next consumes the current generation, for sending
func (hr *hashRatchet) Next() (uint32, keyAndNonce, error) {
	if hr.NextGeneration == ^uint32(0) {
		return 0, keyAndNonce{}, usageError("secret-tree", "ratchet exhausted")
	}

	generation, kn := hr.advance()
	return generation, kn, nil
}

// Get returns the key for a received generation.  Each generation can be
// fetched once; older generations are only available while retained.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		delete(hr.Cache, generation)
		return kn, nil
	}

	if generation < hr.NextGeneration {
		return keyAndNonce{}, validationError("secret-tree", "key for generation %d expired or already used", generation)
	}

	if generation == ^uint32(0) {
		return keyAndNonce{}, validationError("secret-tree", "generation %d out of range", generation)
	}

	if generation-hr.NextGeneration > hr.MaxForward {
		return keyAndNonce{}, validationError("secret-tree", "generation %d too far ahead of %d", generation, hr.NextGeneration)
	}

	for hr.NextGeneration < generation {
		skipped, kn := hr.advance()
		hr.Cache[skipped] = kn
	}
	hr.evict()

	_, kn := hr.advance()
	return kn, nil
}

// evict keeps only the Retain most recent skipped generations
func (hr *hashRatchet) evict() {
	for uint32(len(hr.Cache)) > hr.Retain {
		oldest := ^uint32(0)
		for g := range hr.Cache {
			if g < oldest {
				oldest = g
			}
		}
		hr.Erase(oldest)
	}
}

func (hr *hashRatchet) Erase(generation uint32) {
	kn, ok := hr.Cache[generation]
	if !ok {
		return
	}

	kn.erase()
	delete(hr.Cache, generation)
}

func (hr *hashRatchet) erase() {
	zeroize(hr.NextSecret)
	for g := range hr.Cache {
		hr.Erase(g)
	}
}

func (hr *hashRatchet) clone() *hashRatchet {
	out := *hr
	out.NextSecret = dup(hr.NextSecret)
	out.Cache = make(map[uint32]keyAndNonce, len(hr.Cache))
	for g, kn := range hr.Cache {
		out.Cache[g] = kn.clone()
	}
	return &out
}

///
/// Secret tree
///

type leafRatchets struct {
	Handshake   *hashRatchet
	Application *hashRatchet
}

func (lr leafRatchets) get(rt ratchetType) *hashRatchet {
	if rt == ratchetHandshake {
		return lr.Handshake
	}
	return lr.Application
}

// SecretTree spreads the epoch's encryption secret down a tree with the same
// leaf width as the ratchet tree.  Intermediate secrets are derived on demand
// and erased as soon as both children exist.
type SecretTree struct {
	Suite    Suite
	Size     LeafCount
	Secrets  map[NodeIndex][]byte
	Ratchets map[LeafIndex]leafRatchets

	MaxForward uint32
	Retain     uint32
}

func NewSecretTree(suite Suite, size LeafCount, encryptionSecret []byte, maxForward, retain uint32) *SecretTree {
	st := &SecretTree{
		Suite:      suite,
		Size:       size,
		Secrets:    map[NodeIndex][]byte{},
		Ratchets:   map[LeafIndex]leafRatchets{},
		MaxForward: maxForward,
		Retain:     retain,
	}

	st.Secrets[treeMath.Root(size)] = dup(encryptionSecret)
	return st
}

func (st *SecretTree) leafSecret(sender LeafIndex) ([]byte, error) {
	if LeafCount(sender) >= st.Size {
		return nil, validationError("secret-tree", "sender %d outside tree of %d leaves", sender, st.Size)
	}

	// Find the nearest populated ancestor
	senderNode := toNodeIndex(sender)
	path := append([]NodeIndex{senderNode}, treeMath.DirectPath(senderNode, st.Size)...)
	curr := -1
	for i, n := range path {
		if _, ok := st.Secrets[n]; ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, internalError("secret-tree", "no source secret for leaf %d", sender)
	}

	// Derive down
	nh := st.Suite.KDF.Size()
	for ; curr > 0; curr-- {
		n := path[curr]
		secret := st.Secrets[n]
		st.Secrets[treeMath.Left(n)] = st.Suite.expandWithLabel(secret, "tree", []byte("left"), nh)
		st.Secrets[treeMath.Right(n, st.Size)] = st.Suite.expandWithLabel(secret, "tree", []byte("right"), nh)
		zeroize(secret)
		delete(st.Secrets, n)
	}

	out := st.Secrets[senderNode]
	delete(st.Secrets, senderNode)
	return out, nil
}

func (st *SecretTree) ratchets(sender LeafIndex) (leafRatchets, error) {
	if lr, ok := st.Ratchets[sender]; ok {
		return lr, nil
	}

	leaf, err := st.leafSecret(sender)
	if err != nil {
		return leafRatchets{}, err
	}
	defer zeroize(leaf)

	nh := st.Suite.KDF.Size()
	lr := leafRatchets{
		Handshake:   newHashRatchet(st.Suite, st.Suite.expandWithLabel(leaf, "handshake", nil, nh), st.MaxForward, st.Retain),
		Application: newHashRatchet(st.Suite, st.Suite.expandWithLabel(leaf, "application", nil, nh), st.MaxForward, st.Retain),
	}
	st.Ratchets[sender] = lr
	return lr, nil
}

// Next consumes the sender's next generation of the given ratchet
func (st *SecretTree) Next(sender LeafIndex, rt ratchetType) (uint32, keyAndNonce, error) {
	lr, err := st.ratchets(sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	return lr.get(rt).Next()
}

// Get fetches the key for a received generation
func (st *SecretTree) Get(sender LeafIndex, rt ratchetType, generation uint32) (keyAndNonce, error) {
	lr, err := st.ratchets(sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return lr.get(rt).Get(generation)
}

// receivedKey is the key for a received generation, derived on a copy of the
// sender's ratchet.  The generation stays available until commit.
type receivedKey struct {
	keyAndNonce

	tree   *SecretTree
	sender LeafIndex
	rt     ratchetType
	next   *hashRatchet
}

// Peek derives the key for a received generation without consuming it
func (st *SecretTree) Peek(sender LeafIndex, rt ratchetType, generation uint32) (*receivedKey, error) {
	lr, err := st.ratchets(sender)
	if err != nil {
		return nil, err
	}

	next := lr.get(rt).clone()
	kn, err := next.Get(generation)
	if err != nil {
		next.erase()
		return nil, err
	}

	return &receivedKey{keyAndNonce: kn, tree: st, sender: sender, rt: rt, next: next}, nil
}

// commit marks the generation used in the tree it came from
func (rk *receivedKey) commit() {
	if rk == nil || rk.next == nil {
		return
	}

	lr := rk.tree.Ratchets[rk.sender]
	if rk.rt == ratchetHandshake {
		lr.Handshake.erase()
		lr.Handshake = rk.next
	} else {
		lr.Application.erase()
		lr.Application = rk.next
	}
	rk.tree.Ratchets[rk.sender] = lr
	rk.next = nil
}

// discard drops the copy, leaving the tree as it was
func (rk *receivedKey) discard() {
	if rk == nil || rk.next == nil {
		return
	}

	rk.next.erase()
	rk.next = nil
}

func (st *SecretTree) Clone() *SecretTree {
	out := &SecretTree{
		Suite:      st.Suite,
		Size:       st.Size,
		Secrets:    make(map[NodeIndex][]byte, len(st.Secrets)),
		Ratchets:   make(map[LeafIndex]leafRatchets, len(st.Ratchets)),
		MaxForward: st.MaxForward,
		Retain:     st.Retain,
	}

	for n, s := range st.Secrets {
		out.Secrets[n] = dup(s)
	}
	for l, lr := range st.Ratchets {
		out.Ratchets[l] = leafRatchets{lr.Handshake.clone(), lr.Application.clone()}
	}
	return out
}

func (st *SecretTree) erase() {
	for n, s := range st.Secrets {
		zeroize(s)
		delete(st.Secrets, n)
	}

	for l, lr := range st.Ratchets {
		lr.Handshake.erase()
		lr.Application.erase()
		delete(st.Ratchets, l)
	}
}
