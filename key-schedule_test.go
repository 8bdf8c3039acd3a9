package mls

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeySchedule(t *testing.T) {
	for _, cs := range supportedSuites {
		t.Run(cs.String(), func(t *testing.T) {
			suite := suiteFor(t, cs)
			nh := suite.KDF.Size()

			ctx1 := []byte("first context")
			epoch1, err := newInitialKeyScheduleEpoch(suite, ctx1)
			require.Nil(t, err)

			for _, secret := range epoch1.secrets() {
				require.Len(t, secret, nh)
			}

			// Every derived secret is distinct
			seen := map[string]bool{}
			for _, secret := range epoch1.secrets() {
				require.False(t, seen[string(secret)])
				seen[string(secret)] = true
			}

			// Next chains through the init secret
			commitSecret := randomBytes(nh)
			ctx2 := []byte("second context")
			epoch2 := epoch1.Next(commitSecret, nil, ctx2)
			expected := newKeyScheduleEpochFromInit(suite, epoch1.InitSecret, commitSecret, nil, ctx2)
			require.Equal(t, expected.secrets(), epoch2.secrets())

			// A joiner who only has the joiner secret arrives at the same epoch
			joined := newKeyScheduleEpoch(suite, epoch2.JoinerSecret, nil, ctx2)
			require.Equal(t, epoch2.EpochSecret, joined.EpochSecret)
			require.Equal(t, epoch2.EpochAuthenticator, joined.EpochAuthenticator)
			require.Equal(t, epoch2.WelcomeSecret, welcomeSecretFromJoiner(suite, epoch2.JoinerSecret, nil))

			// A missing commit secret or PSK secret means all zeros
			zeroCommit := epoch1.Next(suite.zero(), suite.zero(), ctx2)
			require.Equal(t, zeroCommit.secrets(), epoch1.Next(nil, nil, ctx2).secrets())

			// The PSK secret and the group context both feed in
			withPSK := epoch1.Next(commitSecret, randomBytes(nh), ctx2)
			require.NotEqual(t, epoch2.EpochSecret, withPSK.EpochSecret)
			require.Equal(t, epoch2.JoinerSecret, withPSK.JoinerSecret)

			otherCtx := epoch1.Next(commitSecret, nil, []byte("other context"))
			require.NotEqual(t, epoch2.JoinerSecret, otherCtx.JoinerSecret)

			// Tags
			tag := epoch2.ConfirmationTag([]byte("transcript"))
			require.Equal(t, suite.Hash.MAC(epoch2.ConfirmationKey, []byte("transcript")), tag)
			require.NotEqual(t, tag, epoch2.MembershipTag([]byte("transcript")))
		})
	}
}

func TestKeyScheduleChaining(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	nh := suite.KDF.Size()

	initSecret := randomBytes(nh)
	commitSecret := randomBytes(nh)
	pskSecret := randomBytes(nh)
	ctx := []byte("group context")
	base := newKeyScheduleEpochFromInit(suite, initSecret, commitSecret, pskSecret, ctx)

	cases := map[string]*keyScheduleEpoch{
		"init secret":   newKeyScheduleEpochFromInit(suite, randomBytes(nh), commitSecret, pskSecret, ctx),
		"commit secret": newKeyScheduleEpochFromInit(suite, initSecret, randomBytes(nh), pskSecret, ctx),
		"psk secret":    newKeyScheduleEpochFromInit(suite, initSecret, commitSecret, randomBytes(nh), ctx),
		"group context": newKeyScheduleEpochFromInit(suite, initSecret, commitSecret, pskSecret, []byte("other context")),
	}

	// Changing any one input changes every secret derived from the epoch secret
	for label, changed := range cases {
		t.Run(label, func(t *testing.T) {
			derived := base.secrets()[3:]
			for i, secret := range changed.secrets()[3:] {
				require.NotEqual(t, derived[i], secret, "secret %d", i)
			}
		})
	}
}

func TestKeyScheduleExport(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	epoch, err := newInitialKeyScheduleEpoch(suite, []byte("ctx"))
	require.Nil(t, err)

	a, err := epoch.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	require.Len(t, a, 32)

	b, err := epoch.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	require.Equal(t, a, b)

	c, err := epoch.Export("other", []byte("context"), 32)
	require.Nil(t, err)
	require.NotEqual(t, a, c)

	d, err := epoch.Export("label", []byte("other"), 32)
	require.Nil(t, err)
	require.NotEqual(t, a, d)

	long, err := epoch.Export("label", []byte("context"), 255*suite.KDF.Size())
	require.Nil(t, err)
	require.Len(t, long, 255*suite.KDF.Size())

	for _, length := range []int{0, -1, 255*suite.KDF.Size() + 1} {
		_, err = epoch.Export("label", nil, length)
		require.True(t, errors.Is(err, ErrUsage))
	}
}

func TestKeyScheduleExternalInit(t *testing.T) {
	for _, cs := range supportedSuites {
		t.Run(cs.String(), func(t *testing.T) {
			suite := suiteFor(t, cs)
			epoch, err := newInitialKeyScheduleEpoch(suite, []byte("ctx"))
			require.Nil(t, err)

			extPriv, err := epoch.ExternalKeyPair()
			require.Nil(t, err)

			again, err := epoch.ExternalKeyPair()
			require.Nil(t, err)
			require.Equal(t, extPriv.PublicKey, again.PublicKey)

			kemOutput, initSecret, err := externalInitSecret(suite, extPriv.PublicKey)
			require.Nil(t, err)
			require.Len(t, initSecret, suite.KDF.Size())

			imported, err := importExternalInitSecret(suite, extPriv, kemOutput)
			require.Nil(t, err)
			require.Equal(t, initSecret, imported)

			// Another epoch's external key cannot recover it
			other, err := newInitialKeyScheduleEpoch(suite, []byte("ctx"))
			require.Nil(t, err)
			otherPriv, err := other.ExternalKeyPair()
			require.Nil(t, err)

			wrong, err := importExternalInitSecret(suite, otherPriv, kemOutput)
			if err == nil {
				require.False(t, bytes.Equal(initSecret, wrong))
			}
		})
	}
}

func TestWelcomeKeyAndNonce(t *testing.T) {
	suite := suiteFor(t, P521_AES256GCM_SHA512_P521)
	kn := welcomeKeyAndNonce(suite, randomBytes(suite.KDF.Size()))
	require.Len(t, kn.Key, suite.AEAD.KeySize())
	require.Len(t, kn.Nonce, suite.AEAD.NonceSize())

	clone := kn.clone()
	kn.erase()
	require.Equal(t, make([]byte, suite.AEAD.KeySize()), kn.Key)
	require.NotEqual(t, kn.Key, clone.Key)
}
