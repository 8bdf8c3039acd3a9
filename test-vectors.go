package mls

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Test vectors in the JSON layout used by the MLS interop vectors.  Byte
// strings are hex encoded.

type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func vectorMismatch(label string, actual, expected []byte) error {
	if !bytes.Equal(actual, expected) {
		return fmt.Errorf("vectors: %s: %x != %x", label, actual, expected)
	}
	return nil
}

///
/// Key schedule
///

type KeyScheduleExporter struct {
	Label   string   `json:"label"`
	Context HexBytes `json:"context"`
	Length  int      `json:"length"`
	Secret  HexBytes `json:"secret"`
}

type KeyScheduleEpochVector struct {
	// Chosen inputs
	TreeHash                HexBytes `json:"tree_hash"`
	CommitSecret            HexBytes `json:"commit_secret"`
	PSKSecret               HexBytes `json:"psk_secret"`
	ConfirmedTranscriptHash HexBytes `json:"confirmed_transcript_hash"`

	// Computed values
	GroupContext       HexBytes            `json:"group_context"`
	JoinerSecret       HexBytes            `json:"joiner_secret"`
	WelcomeSecret      HexBytes            `json:"welcome_secret"`
	InitSecret         HexBytes            `json:"init_secret"`
	SenderDataSecret   HexBytes            `json:"sender_data_secret"`
	EncryptionSecret   HexBytes            `json:"encryption_secret"`
	ExporterSecret     HexBytes            `json:"exporter_secret"`
	EpochAuthenticator HexBytes            `json:"epoch_authenticator"`
	ExternalSecret     HexBytes            `json:"external_secret"`
	ConfirmationKey    HexBytes            `json:"confirmation_key"`
	MembershipKey      HexBytes            `json:"membership_key"`
	ResumptionPSK      HexBytes            `json:"resumption_psk"`
	ExternalPub        HexBytes            `json:"external_pub"`
	Exporter           KeyScheduleExporter `json:"exporter"`
}

type KeyScheduleTestVector struct {
	CipherSuite       CipherSuite              `json:"cipher_suite"`
	GroupID           HexBytes                 `json:"group_id"`
	InitialInitSecret HexBytes                 `json:"initial_init_secret"`
	Epochs            []KeyScheduleEpochVector `json:"epochs"`
}

func keyScheduleGroupContext(cs CipherSuite, groupID []byte, epoch int, ev KeyScheduleEpochVector) []byte {
	return mustMarshal(GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             cs,
		GroupID:                 groupID,
		Epoch:                   Epoch(epoch),
		TreeHash:                ev.TreeHash,
		ConfirmedTranscriptHash: ev.ConfirmedTranscriptHash,
		Extensions:              NewExtensionList(),
	})
}

// fill computes the derived values of an epoch from its chosen inputs
func (ev *KeyScheduleEpochVector) fill(suite Suite, groupContext, initSecret []byte) (*keyScheduleEpoch, error) {
	keys := newKeyScheduleEpochFromInit(suite, initSecret, ev.CommitSecret, ev.PSKSecret, groupContext)

	extPriv, err := keys.ExternalKeyPair()
	if err != nil {
		return nil, err
	}

	exported, err := keys.Export(ev.Exporter.Label, ev.Exporter.Context, ev.Exporter.Length)
	if err != nil {
		return nil, err
	}

	ev.GroupContext = groupContext
	ev.JoinerSecret = keys.JoinerSecret
	ev.WelcomeSecret = keys.WelcomeSecret
	ev.InitSecret = keys.InitSecret
	ev.SenderDataSecret = keys.SenderDataSecret
	ev.EncryptionSecret = keys.EncryptionSecret
	ev.ExporterSecret = keys.ExporterSecret
	ev.EpochAuthenticator = keys.EpochAuthenticator
	ev.ExternalSecret = keys.ExternalSecret
	ev.ConfirmationKey = keys.ConfirmationKey
	ev.MembershipKey = keys.MembershipKey
	ev.ResumptionPSK = keys.ResumptionPSK
	ev.ExternalPub = HexBytes(extPriv.PublicKey)
	ev.Exporter.Secret = exported
	return keys, nil
}

func NewKeyScheduleTestVector(cs CipherSuite, nEpochs int) (*KeyScheduleTestVector, error) {
	suite, err := cs.Suite()
	if err != nil {
		return nil, err
	}

	random := func() HexBytes {
		b, _ := suite.RandomBytes(suite.KDF.Size())
		return b
	}

	vec := &KeyScheduleTestVector{
		CipherSuite:       cs,
		GroupID:           random(),
		InitialInitSecret: random(),
		Epochs:            make([]KeyScheduleEpochVector, nEpochs),
	}

	initSecret := []byte(vec.InitialInitSecret)
	for i := range vec.Epochs {
		ev := &vec.Epochs[i]
		ev.TreeHash = random()
		ev.CommitSecret = random()
		ev.PSKSecret = random()
		ev.ConfirmedTranscriptHash = random()
		ev.Exporter = KeyScheduleExporter{
			Label:   fmt.Sprintf("exporter %d", i),
			Context: random(),
			Length:  32,
		}

		gc := keyScheduleGroupContext(cs, vec.GroupID, i, *ev)
		keys, err := ev.fill(suite, gc, initSecret)
		if err != nil {
			return nil, err
		}
		initSecret = keys.InitSecret
	}

	return vec, nil
}

func (vec KeyScheduleTestVector) Verify() error {
	suite, err := vec.CipherSuite.Suite()
	if err != nil {
		return err
	}

	initSecret := []byte(vec.InitialInitSecret)
	for i, expected := range vec.Epochs {
		actual := KeyScheduleEpochVector{
			TreeHash:                expected.TreeHash,
			CommitSecret:            expected.CommitSecret,
			PSKSecret:               expected.PSKSecret,
			ConfirmedTranscriptHash: expected.ConfirmedTranscriptHash,
			Exporter: KeyScheduleExporter{
				Label:   expected.Exporter.Label,
				Context: expected.Exporter.Context,
				Length:  expected.Exporter.Length,
			},
		}

		gc := keyScheduleGroupContext(vec.CipherSuite, vec.GroupID, i, actual)
		keys, err := actual.fill(suite, gc, initSecret)
		if err != nil {
			return err
		}

		checks := []struct {
			label            string
			actual, expected []byte
		}{
			{"group_context", actual.GroupContext, expected.GroupContext},
			{"joiner_secret", actual.JoinerSecret, expected.JoinerSecret},
			{"welcome_secret", actual.WelcomeSecret, expected.WelcomeSecret},
			{"init_secret", actual.InitSecret, expected.InitSecret},
			{"sender_data_secret", actual.SenderDataSecret, expected.SenderDataSecret},
			{"encryption_secret", actual.EncryptionSecret, expected.EncryptionSecret},
			{"exporter_secret", actual.ExporterSecret, expected.ExporterSecret},
			{"epoch_authenticator", actual.EpochAuthenticator, expected.EpochAuthenticator},
			{"external_secret", actual.ExternalSecret, expected.ExternalSecret},
			{"confirmation_key", actual.ConfirmationKey, expected.ConfirmationKey},
			{"membership_key", actual.MembershipKey, expected.MembershipKey},
			{"resumption_psk", actual.ResumptionPSK, expected.ResumptionPSK},
			{"external_pub", actual.ExternalPub, expected.ExternalPub},
			{"exporter.secret", actual.Exporter.Secret, expected.Exporter.Secret},
		}
		for _, c := range checks {
			if err := vectorMismatch(fmt.Sprintf("epoch %d %s", i, c.label), c.actual, c.expected); err != nil {
				return err
			}
		}

		initSecret = keys.InitSecret
	}

	return nil
}

///
/// Secret tree
///

type SenderDataVector struct {
	SenderDataSecret HexBytes `json:"sender_data_secret"`
	Ciphertext       HexBytes `json:"ciphertext"`
	Key              HexBytes `json:"key"`
	Nonce            HexBytes `json:"nonce"`
}

type RatchetStepVector struct {
	Generation       uint32   `json:"generation"`
	HandshakeKey     HexBytes `json:"handshake_key"`
	HandshakeNonce   HexBytes `json:"handshake_nonce"`
	ApplicationKey   HexBytes `json:"application_key"`
	ApplicationNonce HexBytes `json:"application_nonce"`
}

type SecretTreeTestVector struct {
	CipherSuite      CipherSuite           `json:"cipher_suite"`
	SenderData       SenderDataVector      `json:"sender_data"`
	EncryptionSecret HexBytes              `json:"encryption_secret"`
	Leaves           [][]RatchetStepVector `json:"leaves"`
}

func ratchetStep(st *SecretTree, leaf LeafIndex, generation uint32) (RatchetStepVector, error) {
	hs, err := st.Get(leaf, ratchetHandshake, generation)
	if err != nil {
		return RatchetStepVector{}, err
	}

	app, err := st.Get(leaf, ratchetApplication, generation)
	if err != nil {
		return RatchetStepVector{}, err
	}

	return RatchetStepVector{
		Generation:       generation,
		HandshakeKey:     hs.Key,
		HandshakeNonce:   hs.Nonce,
		ApplicationKey:   app.Key,
		ApplicationNonce: app.Nonce,
	}, nil
}

var secretTreeVectorGenerations = []uint32{0, 1, 15}

func NewSecretTreeTestVector(cs CipherSuite, nLeaves LeafCount) (*SecretTreeTestVector, error) {
	suite, err := cs.Suite()
	if err != nil {
		return nil, err
	}

	senderDataSecret, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return nil, err
	}
	ciphertext, err := suite.RandomBytes(suite.KDF.Size() + 16)
	if err != nil {
		return nil, err
	}
	encryptionSecret, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return nil, err
	}

	sd := senderDataKeys(suite, senderDataSecret, ciphertext)
	vec := &SecretTreeTestVector{
		CipherSuite: cs,
		SenderData: SenderDataVector{
			SenderDataSecret: senderDataSecret,
			Ciphertext:       ciphertext,
			Key:              sd.Key,
			Nonce:            sd.Nonce,
		},
		EncryptionSecret: encryptionSecret,
		Leaves:           make([][]RatchetStepVector, nLeaves),
	}

	max := secretTreeVectorGenerations[len(secretTreeVectorGenerations)-1]
	st := NewSecretTree(suite, nLeaves, encryptionSecret, max, max)
	for i := range vec.Leaves {
		for _, g := range secretTreeVectorGenerations {
			step, err := ratchetStep(st, LeafIndex(i), g)
			if err != nil {
				return nil, err
			}
			vec.Leaves[i] = append(vec.Leaves[i], step)
		}
	}

	return vec, nil
}

func (vec SecretTreeTestVector) Verify() error {
	suite, err := vec.CipherSuite.Suite()
	if err != nil {
		return err
	}

	sd := senderDataKeys(suite, vec.SenderData.SenderDataSecret, vec.SenderData.Ciphertext)
	if err := vectorMismatch("sender_data.key", sd.Key, vec.SenderData.Key); err != nil {
		return err
	}
	if err := vectorMismatch("sender_data.nonce", sd.Nonce, vec.SenderData.Nonce); err != nil {
		return err
	}

	max := uint32(0)
	for _, steps := range vec.Leaves {
		for _, step := range steps {
			if step.Generation > max {
				max = step.Generation
			}
		}
	}

	// A fresh tree per leaf lets each leaf list its generations in any order
	for i, steps := range vec.Leaves {
		st := NewSecretTree(suite, LeafCount(len(vec.Leaves)), vec.EncryptionSecret, max, max)
		for _, expected := range steps {
			actual, err := ratchetStep(st, LeafIndex(i), expected.Generation)
			if err != nil {
				return err
			}

			label := fmt.Sprintf("leaf %d generation %d", i, expected.Generation)
			if err := vectorMismatch(label+" handshake_key", actual.HandshakeKey, expected.HandshakeKey); err != nil {
				return err
			}
			if err := vectorMismatch(label+" handshake_nonce", actual.HandshakeNonce, expected.HandshakeNonce); err != nil {
				return err
			}
			if err := vectorMismatch(label+" application_key", actual.ApplicationKey, expected.ApplicationKey); err != nil {
				return err
			}
			if err := vectorMismatch(label+" application_nonce", actual.ApplicationNonce, expected.ApplicationNonce); err != nil {
				return err
			}
		}
	}

	return nil
}

///
/// PSK secret
///

type PSKVector struct {
	PSKID    HexBytes `json:"psk_id"`
	PSK      HexBytes `json:"psk"`
	PSKNonce HexBytes `json:"psk_nonce"`
}

type PSKSecretTestVector struct {
	CipherSuite CipherSuite `json:"cipher_suite"`
	PSKs        []PSKVector `json:"psks"`
	PSKSecret   HexBytes    `json:"psk_secret"`
}

func (vec PSKSecretTestVector) compute(suite Suite) []byte {
	psks := make([]pskWithSecret, len(vec.PSKs))
	for i, p := range vec.PSKs {
		psks[i] = pskWithSecret{
			ID: PreSharedKeyID{
				PSKType:  PSKTypeExternal,
				PSKID:    p.PSKID,
				PSKNonce: p.PSKNonce,
			},
			Secret: p.PSK,
		}
	}
	return computePSKSecret(suite, psks)
}

func NewPSKSecretTestVector(cs CipherSuite, nPSKs int) (*PSKSecretTestVector, error) {
	suite, err := cs.Suite()
	if err != nil {
		return nil, err
	}

	vec := &PSKSecretTestVector{CipherSuite: cs, PSKs: make([]PSKVector, nPSKs)}
	for i := range vec.PSKs {
		id, err := suite.RandomBytes(8)
		if err != nil {
			return nil, err
		}
		psk, err := suite.RandomBytes(suite.KDF.Size())
		if err != nil {
			return nil, err
		}
		nonce, err := suite.RandomBytes(suite.KDF.Size())
		if err != nil {
			return nil, err
		}
		vec.PSKs[i] = PSKVector{PSKID: id, PSK: psk, PSKNonce: nonce}
	}

	vec.PSKSecret = vec.compute(suite)
	return vec, nil
}

func (vec PSKSecretTestVector) Verify() error {
	suite, err := vec.CipherSuite.Suite()
	if err != nil {
		return err
	}
	return vectorMismatch("psk_secret", vec.compute(suite), vec.PSKSecret)
}
