package mls

import (
	"fmt"
)

type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) erase() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Key schedule epoch
///
///                  init_secret_[n-1]
///                        |
///                        |
///                        V
///  commit_secret --> KDF.Extract
///                        |
///                        |
///                        V
///                ExpandWithLabel(., "joiner", GroupContext_[n], KDF.Nh)
///                        |
///                        |
///                        V
///                   joiner_secret
///                        |
///                        |
///                        V
///     psk_secret --> KDF.Extract
///                        |
///                        |
///                        +--> DeriveSecret(., "welcome")
///                        |    = welcome_secret
///                        |
///                        V
///                ExpandWithLabel(., "epoch", GroupContext_[n], KDF.Nh)
///                        |
///                        |
///                        V
///                   epoch_secret
///                        |
///                        |
///                        +--> DeriveSecret(., <label>)
///                        |    = <secret>
///                        |
///                        V
///                  DeriveSecret(., "init")
///                        |
///                        |
///                        V
///                  init_secret_[n]

type keyScheduleEpoch struct {
	Suite        Suite
	GroupContext []byte

	JoinerSecret  []byte
	WelcomeSecret []byte
	EpochSecret   []byte

	SenderDataSecret   []byte
	EncryptionSecret   []byte
	ExporterSecret     []byte
	ExternalSecret     []byte
	ConfirmationKey    []byte
	MembershipKey      []byte
	ResumptionPSK      []byte
	EpochAuthenticator []byte
	InitSecret         []byte
}

// Labels of the secrets derived from the epoch secret
var epochSecretLabels = []string{
	"sender data",
	"encryption",
	"exporter",
	"external",
	"confirm",
	"membership",
	"resumption",
	"authentication",
	"init",
}

func joinerSecret(suite Suite, initSecret, commitSecret, groupContext []byte) []byte {
	if commitSecret == nil {
		commitSecret = suite.zero()
	}

	prk := suite.KDF.Extract(initSecret, commitSecret)
	defer zeroize(prk)
	return suite.expandWithLabel(prk, "joiner", groupContext, suite.KDF.Size())
}

func memberSecret(suite Suite, joiner, pskSecret []byte) []byte {
	if pskSecret == nil {
		pskSecret = suite.zero()
	}
	return suite.KDF.Extract(joiner, pskSecret)
}

func welcomeSecretFromJoiner(suite Suite, joiner, pskSecret []byte) []byte {
	member := memberSecret(suite, joiner, pskSecret)
	defer zeroize(member)
	return suite.deriveSecret(member, "welcome")
}

// newKeyScheduleEpoch runs the schedule from the joiner secret down.  A nil
// pskSecret stands for the all-zero secret used when no PSKs are injected.
func newKeyScheduleEpoch(suite Suite, joiner, pskSecret, groupContext []byte) *keyScheduleEpoch {
	member := memberSecret(suite, joiner, pskSecret)
	defer zeroize(member)

	epochSecret := suite.expandWithLabel(member, "epoch", groupContext, suite.KDF.Size())
	derived := make([][]byte, len(epochSecretLabels))
	for i, label := range epochSecretLabels {
		derived[i] = suite.deriveSecret(epochSecret, label)
	}

	return &keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(groupContext),

		JoinerSecret:  dup(joiner),
		WelcomeSecret: suite.deriveSecret(member, "welcome"),
		EpochSecret:   epochSecret,

		SenderDataSecret:   derived[0],
		EncryptionSecret:   derived[1],
		ExporterSecret:     derived[2],
		ExternalSecret:     derived[3],
		ConfirmationKey:    derived[4],
		MembershipKey:      derived[5],
		ResumptionPSK:      derived[6],
		EpochAuthenticator: derived[7],
		InitSecret:         derived[8],
	}
}

// newKeyScheduleEpochFromInit runs a full epoch transition from an init secret
func newKeyScheduleEpochFromInit(suite Suite, initSecret, commitSecret, pskSecret, groupContext []byte) *keyScheduleEpoch {
	joiner := joinerSecret(suite, initSecret, commitSecret, groupContext)
	defer zeroize(joiner)
	return newKeyScheduleEpoch(suite, joiner, pskSecret, groupContext)
}

// newInitialKeyScheduleEpoch starts a group from a random init secret
func newInitialKeyScheduleEpoch(suite Suite, groupContext []byte) (*keyScheduleEpoch, error) {
	initSecret, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return nil, err
	}
	defer zeroize(initSecret)

	return newKeyScheduleEpochFromInit(suite, initSecret, nil, nil, groupContext), nil
}

func (kse *keyScheduleEpoch) Next(commitSecret, pskSecret, groupContext []byte) *keyScheduleEpoch {
	return newKeyScheduleEpochFromInit(kse.Suite, kse.InitSecret, commitSecret, pskSecret, groupContext)
}

// Export implements MLS-Exporter(Label, Context, Length)
func (kse *keyScheduleEpoch) Export(label string, context []byte, length int) ([]byte, error) {
	if length <= 0 || length > 0xffff || length > 255*kse.Suite.KDF.Size() {
		return nil, usageError("key-schedule", "exporter length %d out of range", length)
	}

	base := kse.Suite.deriveSecret(kse.ExporterSecret, label)
	defer zeroize(base)
	return kse.Suite.expandWithLabel(base, "exported", kse.Suite.Digest(context), length), nil
}

// ExternalKeyPair is the HPKE key pair that external joiners encrypt to
func (kse *keyScheduleEpoch) ExternalKeyPair() (HPKEPrivateKey, error) {
	return kse.Suite.HPKE.DeriveKeyPair(kse.ExternalSecret)
}

func (kse *keyScheduleEpoch) ConfirmationTag(confirmedTranscriptHash []byte) []byte {
	return kse.Suite.Hash.MAC(kse.ConfirmationKey, confirmedTranscriptHash)
}

func (kse *keyScheduleEpoch) MembershipTag(authenticatedContentTBM []byte) []byte {
	return kse.Suite.Hash.MAC(kse.MembershipKey, authenticatedContentTBM)
}

func (kse *keyScheduleEpoch) secrets() [][]byte {
	return [][]byte{
		kse.JoinerSecret, kse.WelcomeSecret, kse.EpochSecret,
		kse.SenderDataSecret, kse.EncryptionSecret, kse.ExporterSecret,
		kse.ExternalSecret, kse.ConfirmationKey, kse.MembershipKey,
		kse.ResumptionPSK, kse.EpochAuthenticator, kse.InitSecret,
	}
}

func (kse *keyScheduleEpoch) erase() {
	for _, s := range kse.secrets() {
		zeroize(s)
	}
}

func (kse *keyScheduleEpoch) String() string {
	return fmt.Sprintf("epoch suite=%v authenticator=%x", kse.Suite.ID, kse.EpochAuthenticator)
}

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite Suite, welcomeSecret []byte) keyAndNonce {
	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", nil, suite.AEAD.KeySize()),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", nil, suite.AEAD.NonceSize()),
	}
}

///
/// External init
///

const externalInitLabel = "MLS 1.0 external init secret"

// externalInitSecret derives a fresh init secret by HPKE export to the group's
// external public key, returning the KEM output to publish.
func externalInitSecret(suite Suite, externalPub HPKEPublicKey) (kemOutput, initSecret []byte, err error) {
	return suite.HPKE.ExportSecret(suite.Rand, externalPub, nil, []byte(externalInitLabel), suite.KDF.Size())
}

func importExternalInitSecret(suite Suite, externalPriv HPKEPrivateKey, kemOutput []byte) ([]byte, error) {
	return suite.HPKE.ImportSecret(externalPriv, kemOutput, nil, []byte(externalInitLabel), suite.KDF.Size())
}
