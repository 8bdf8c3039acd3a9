package mls

import (
	"sort"

	syntax "github.com/cisco/go-tls-syntax"
)

// A snapshot holds the whole of a ClientState, secrets included, so that an
// application can persist a group between runs.  Wire types inside it keep
// their MLS encoding; the surrounding records are TLS-syntax structs.

const snapshotVersion uint16 = 1

type secretSnapshot struct {
	Secret []byte `tls:"head=1"`
}

type privateKeySnapshot struct {
	Node      uint32
	Data      []byte `tls:"head=2"`
	PublicKey []byte `tls:"head=2"`
}

type cachedKeySnapshot struct {
	Generation uint32
	Key        []byte `tls:"head=1"`
	Nonce      []byte `tls:"head=1"`
}

type ratchetSnapshot struct {
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          []cachedKeySnapshot `tls:"head=4"`
}

type leafRatchetsSnapshot struct {
	Leaf        uint32
	Handshake   ratchetSnapshot
	Application ratchetSnapshot
}

type nodeSecretSnapshot struct {
	Node   uint32
	Secret []byte `tls:"head=1"`
}

type encryptionKeysSnapshot struct {
	Epoch            uint64
	SenderDataSecret []byte `tls:"head=1"`
	Size             uint32
	Secrets          []nodeSecretSnapshot   `tls:"head=4"`
	Ratchets         []leafRatchetsSnapshot `tls:"head=4"`
}

type pastEpochSnapshot struct {
	GroupContext []byte `tls:"head=4"`
	Tree         []byte `tls:"head=4"`
	Keys         encryptionKeysSnapshot
}

type resumptionSnapshot struct {
	Epoch  uint64
	Secret []byte `tls:"head=1"`
}

type pendingSnapshot struct {
	Ref      []byte `tls:"head=1"`
	Proposal []byte `tls:"head=4"`
	Sender   []byte `tls:"head=1"`
}

type pendingUpdateSnapshot struct {
	Ref       []byte `tls:"head=1"`
	Data      []byte `tls:"head=2"`
	PublicKey []byte `tls:"head=2"`
}

type stateSnapshot struct {
	Version               uint16
	GroupContext          []byte `tls:"head=4"`
	Tree                  []byte `tls:"head=4"`
	Index                 uint32
	InterimTranscriptHash []byte `tls:"head=1"`
	ConfirmationTag       []byte `tls:"head=1"`
	ActiveState           uint8
	ReInit                []byte `tls:"head=4"`

	SignatureKey    []byte                  `tls:"head=2"`
	SignaturePublic []byte                  `tls:"head=2"`
	TreePrivateKeys []privateKeySnapshot    `tls:"head=4"`
	KeySchedule     []secretSnapshot        `tls:"head=2"`
	Encryption      encryptionKeysSnapshot
	Past            []pastEpochSnapshot     `tls:"head=4"`
	Resumption      []resumptionSnapshot    `tls:"head=4"`
	Pending         []pendingSnapshot       `tls:"head=4"`
	PendingUpdates  []pendingUpdateSnapshot `tls:"head=4"`
}

func snapshotRatchet(hr *hashRatchet) ratchetSnapshot {
	rs := ratchetSnapshot{
		NextSecret:     dup(hr.NextSecret),
		NextGeneration: hr.NextGeneration,
		Cache:          make([]cachedKeySnapshot, 0, len(hr.Cache)),
	}
	for g, kn := range hr.Cache {
		rs.Cache = append(rs.Cache, cachedKeySnapshot{Generation: g, Key: dup(kn.Key), Nonce: dup(kn.Nonce)})
	}
	sort.Slice(rs.Cache, func(i, j int) bool { return rs.Cache[i].Generation < rs.Cache[j].Generation })
	return rs
}

func restoreRatchet(suite Suite, rs ratchetSnapshot, maxForward, retain uint32) *hashRatchet {
	hr := newHashRatchet(suite, dup(rs.NextSecret), maxForward, retain)
	hr.NextGeneration = rs.NextGeneration
	for _, c := range rs.Cache {
		hr.Cache[c.Generation] = keyAndNonce{Key: dup(c.Key), Nonce: dup(c.Nonce)}
	}
	return hr
}

func snapshotEncryptionKeys(ek *encryptionKeys) encryptionKeysSnapshot {
	st := ek.SecretTree
	out := encryptionKeysSnapshot{
		Epoch:            uint64(ek.Epoch),
		SenderDataSecret: dup(ek.SenderDataSecret),
		Size:             uint32(st.Size),
		Secrets:          make([]nodeSecretSnapshot, 0, len(st.Secrets)),
		Ratchets:         make([]leafRatchetsSnapshot, 0, len(st.Ratchets)),
	}

	for n, s := range st.Secrets {
		out.Secrets = append(out.Secrets, nodeSecretSnapshot{Node: uint32(n), Secret: dup(s)})
	}
	sort.Slice(out.Secrets, func(i, j int) bool { return out.Secrets[i].Node < out.Secrets[j].Node })

	for l, lr := range st.Ratchets {
		out.Ratchets = append(out.Ratchets, leafRatchetsSnapshot{
			Leaf:        uint32(l),
			Handshake:   snapshotRatchet(lr.Handshake),
			Application: snapshotRatchet(lr.Application),
		})
	}
	sort.Slice(out.Ratchets, func(i, j int) bool { return out.Ratchets[i].Leaf < out.Ratchets[j].Leaf })

	return out
}

func restoreEncryptionKeys(suite Suite, config ClientConfig, groupID []byte, es encryptionKeysSnapshot) *encryptionKeys {
	st := &SecretTree{
		Suite:      suite,
		Size:       LeafCount(es.Size),
		Secrets:    map[NodeIndex][]byte{},
		Ratchets:   map[LeafIndex]leafRatchets{},
		MaxForward: config.MaximumForwardRatchetSteps,
		Retain:     config.RetainKeysForGenerations,
	}

	for _, s := range es.Secrets {
		st.Secrets[NodeIndex(s.Node)] = dup(s.Secret)
	}
	for _, r := range es.Ratchets {
		st.Ratchets[LeafIndex(r.Leaf)] = leafRatchets{
			Handshake:   restoreRatchet(suite, r.Handshake, st.MaxForward, st.Retain),
			Application: restoreRatchet(suite, r.Application, st.MaxForward, st.Retain),
		}
	}

	return &encryptionKeys{
		Suite:            suite,
		GroupID:          dup(groupID),
		Epoch:            Epoch(es.Epoch),
		SenderDataSecret: dup(es.SenderDataSecret),
		SecretTree:       st,
	}
}

// Snapshot serializes the state, including all of its secrets.  The output must
// be stored as carefully as the keys themselves.
func (s *ClientState) Snapshot() ([]byte, error) {
	if s.keys == nil {
		return nil, usageError("snapshot", "cannot snapshot a state in %v state", s.ActiveState)
	}

	ss := stateSnapshot{
		Version:               snapshotVersion,
		GroupContext:          mustMarshal(s.GroupContext),
		Tree:                  mustMarshal(s.Tree),
		Index:                 uint32(s.Index),
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
		ConfirmationTag:       dup(s.confirmationTag),
		ActiveState:           uint8(s.ActiveState),
		ReInit:                []byte{},
		SignatureKey:          dup(s.sigPriv.Data),
		SignaturePublic:       dup(s.sigPriv.PublicKey),
		TreePrivateKeys:       []privateKeySnapshot{},
		KeySchedule:           []secretSnapshot{},
		Encryption:            snapshotEncryptionKeys(s.encryption),
		Past:                  []pastEpochSnapshot{},
		Resumption:            []resumptionSnapshot{},
		Pending:               []pendingSnapshot{},
		PendingUpdates:        []pendingUpdateSnapshot{},
	}

	if s.ReInit != nil {
		ss.ReInit = mustMarshal(Proposal{ReInit: s.ReInit})
	}

	for n, k := range s.treePriv.PrivateKeys {
		ss.TreePrivateKeys = append(ss.TreePrivateKeys, privateKeySnapshot{Node: uint32(n), Data: dup(k.Data), PublicKey: dup(k.PublicKey)})
	}
	sort.Slice(ss.TreePrivateKeys, func(i, j int) bool { return ss.TreePrivateKeys[i].Node < ss.TreePrivateKeys[j].Node })

	for _, secret := range s.keys.secrets() {
		ss.KeySchedule = append(ss.KeySchedule, secretSnapshot{Secret: dup(secret)})
	}

	for _, p := range s.past {
		ss.Past = append(ss.Past, pastEpochSnapshot{
			GroupContext: mustMarshal(p.Context),
			Tree:         mustMarshal(p.Tree),
			Keys:         snapshotEncryptionKeys(p.Keys),
		})
	}

	for epoch, psk := range s.resumption {
		ss.Resumption = append(ss.Resumption, resumptionSnapshot{Epoch: uint64(epoch), Secret: dup(psk)})
	}
	sort.Slice(ss.Resumption, func(i, j int) bool { return ss.Resumption[i].Epoch < ss.Resumption[j].Epoch })

	for _, p := range s.pending {
		ss.Pending = append(ss.Pending, pendingSnapshot{
			Ref:      dup(p.Ref),
			Proposal: mustMarshal(p.Proposal),
			Sender:   mustMarshal(p.Sender),
		})
	}

	for ref, k := range s.pendingUpdates {
		ss.PendingUpdates = append(ss.PendingUpdates, pendingUpdateSnapshot{Ref: []byte(ref), Data: dup(k.Data), PublicKey: dup(k.PublicKey)})
	}
	sort.Slice(ss.PendingUpdates, func(i, j int) bool { return string(ss.PendingUpdates[i].Ref) < string(ss.PendingUpdates[j].Ref) })

	data, err := syntax.Marshal(ss)
	if err != nil {
		return nil, classify(err, ErrCodec, "snapshot", "encode")
	}
	return data, nil
}

// RestoreState rebuilds a ClientState from Snapshot output.  The config is
// not part of the snapshot and is supplied again by the caller.
func RestoreState(config ClientConfig, data []byte) (*ClientState, error) {
	config = config.withDefaults()

	var ss stateSnapshot
	read, err := syntax.Unmarshal(data, &ss)
	if err != nil {
		return nil, classify(err, ErrCodec, "snapshot", "decode")
	}
	if read != len(data) {
		return nil, codecError("snapshot", "%d trailing bytes", len(data)-read)
	}
	if ss.Version != snapshotVersion {
		return nil, codecError("snapshot", "unsupported snapshot version %d", ss.Version)
	}

	var gc GroupContext
	if err := unmarshalExact(ss.GroupContext, &gc); err != nil {
		return nil, err
	}

	suite, err := config.suite(gc.CipherSuite)
	if err != nil {
		return nil, err
	}

	tree := NewRatchetTree(suite)
	if err := unmarshalExact(ss.Tree, tree); err != nil {
		return nil, err
	}
	tree.Suite = suite

	treePriv := newTreeKEMPrivateKey(suite, LeafIndex(ss.Index))
	for _, k := range ss.TreePrivateKeys {
		treePriv.PrivateKeys[NodeIndex(k.Node)] = HPKEPrivateKey{Data: k.Data, PublicKey: k.PublicKey}
	}
	if !treePriv.Consistent(tree) {
		return nil, validationError("snapshot", "private keys do not match tree")
	}

	keys := &keyScheduleEpoch{Suite: suite, GroupContext: ss.GroupContext}
	fields := []*[]byte{
		&keys.JoinerSecret, &keys.WelcomeSecret, &keys.EpochSecret,
		&keys.SenderDataSecret, &keys.EncryptionSecret, &keys.ExporterSecret,
		&keys.ExternalSecret, &keys.ConfirmationKey, &keys.MembershipKey,
		&keys.ResumptionPSK, &keys.EpochAuthenticator, &keys.InitSecret,
	}
	if len(ss.KeySchedule) != len(fields) {
		return nil, codecError("snapshot", "%d key schedule secrets", len(ss.KeySchedule))
	}
	for i, f := range fields {
		*f = ss.KeySchedule[i].Secret
	}

	s := &ClientState{
		config:                config,
		suite:                 suite,
		GroupContext:          gc,
		Tree:                  tree,
		Index:                 LeafIndex(ss.Index),
		InterimTranscriptHash: ss.InterimTranscriptHash,
		ActiveState:           GroupActiveState(ss.ActiveState),
		confirmationTag:       ss.ConfirmationTag,
		treePriv:              treePriv,
		sigPriv:               SignaturePrivateKey{Data: ss.SignatureKey, PublicKey: ss.SignaturePublic},
		keys:                  keys,
		encryption:            restoreEncryptionKeys(suite, config, gc.GroupID, ss.Encryption),
		past:                  make([]pastEpoch, 0, len(ss.Past)),
		resumption:            map[Epoch][]byte{},
		pending:               make([]pendingProposal, 0, len(ss.Pending)),
		pendingUpdates:        map[string]HPKEPrivateKey{},
	}

	if LeafCount(ss.Encryption.Size) != tree.Size() || int(ss.Index) >= int(tree.Size()) || !tree.Occupied(s.Index) {
		return nil, validationError("snapshot", "inconsistent tree size or leaf index")
	}

	if len(ss.ReInit) > 0 {
		var p Proposal
		if err := unmarshalExact(ss.ReInit, &p); err != nil {
			return nil, err
		}
		if p.ReInit == nil {
			return nil, codecError("snapshot", "reinit record holds a %v proposal", p.Type())
		}
		s.ReInit = p.ReInit
	}

	for _, ps := range ss.Past {
		var pgc GroupContext
		if err := unmarshalExact(ps.GroupContext, &pgc); err != nil {
			return nil, err
		}

		ptree := NewRatchetTree(suite)
		if err := unmarshalExact(ps.Tree, ptree); err != nil {
			return nil, err
		}
		ptree.Suite = suite

		s.past = append(s.past, pastEpoch{
			Context: pgc,
			Tree:    ptree,
			Keys:    restoreEncryptionKeys(suite, config, pgc.GroupID, ps.Keys),
		})
	}

	for _, r := range ss.Resumption {
		s.resumption[Epoch(r.Epoch)] = r.Secret
	}

	for _, ps := range ss.Pending {
		p := pendingProposal{Ref: ps.Ref}
		if err := unmarshalExact(ps.Proposal, &p.Proposal); err != nil {
			return nil, err
		}
		if err := unmarshalExact(ps.Sender, &p.Sender); err != nil {
			return nil, err
		}
		s.pending = append(s.pending, p)
	}

	for _, pu := range ss.PendingUpdates {
		s.pendingUpdates[string(pu.Ref)] = HPKEPrivateKey{Data: pu.Data, PublicKey: pu.PublicKey}
	}

	s.logger().Debug("restored state")
	return s, nil
}
