package mls

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomBytes(size int) []byte {
	out := make([]byte, size)
	rand.Read(out)
	return out
}

func suiteFor(t *testing.T, cs CipherSuite) Suite {
	suite, err := cs.Suite()
	require.Nil(t, err)
	return suite
}

func TestDigest(t *testing.T) {
	in := unhex("6162636462636465636465666465666765666768666768696768696a68696a6b6" +
		"96a6b6c6a6b6c6d6b6c6d6e6c6d6e6f6d6e6f706e6f7071")
	out256 := unhex("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1")
	out512 := unhex("204a8fc6dda82f0a0ced7beb8e08a41657c16ef468b228a8279be331a703c3359" +
		"6fd15c13b1b07f9aa1d3bea57789ca031ad85c7a71dd70354ec631238ca3445")

	for _, cs := range supportedSuites {
		var out []byte
		switch cs {
		case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
			X25519_CHACHA20POLY1305_SHA256_Ed25519:
			out = out256
		case P521_AES256GCM_SHA512_P521:
			out = out512
		}

		d := suiteFor(t, cs).Digest(in)
		require.Equal(t, d, out)
	}
}

func TestHKDF(t *testing.T) {
	// RFC 5869, test case 1
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt := unhex("000102030405060708090a0b0c")
	info := unhex("f0f1f2f3f4f5f6f7f8f9")
	prk := unhex("077709362c2e32df0ddc3f0dc47bba6390b6c73bb50f9c3122ec844ad7c2b3e5")
	okm := unhex("3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf" +
		"34007208d5b887185865")

	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	require.Equal(t, prk, suite.KDF.Extract(salt, ikm))
	require.Equal(t, okm, suite.KDF.Expand(prk, info, len(okm)))
	require.Equal(t, 32, suite.KDF.Size())
}

func TestEncryptDecrypt(t *testing.T) {
	// AES-GCM
	// https://tools.ietf.org/html/draft-mcgrew-gcm-test-01#section-4
	key128 := unhex("4c80cdefbb5d10da906ac73c3613a634")
	nonce128 := unhex("2e443b684956ed7e3b244cfe")
	aad128 := unhex("000043218765432100000000")
	pt128 := unhex("45000048699a000080114db7c0a80102c0a801010a9bf15638d3010000010000" +
		"00000000045f736970045f756470037369700963796265726369747902646b00" +
		"0021000101020201")
	ct128 := unhex("fecf537e729d5b07dc30df528dd22b768d1b98736696a6fd348509fa13ceac34" +
		"cfa2436f14a3f3cf65925bf1f4a13c5d15b21e1884f5ff6247aeabb786b93bce" +
		"61bc17d768fd9732459018148f6cbe722fd04796562dfdb4")

	key256 := unhex("abbccddef00112233445566778899aababbccddef00112233445566778899aab")
	nonce256 := unhex("112233440102030405060708")
	aad256 := unhex("4a2cbfe300000002")
	pt256 := unhex("4500003069a6400080062690c0a801029389155e0a9e008b2dc57ee000000000" +
		"7002400020bf0000020405b40101040201020201")
	ct256 := unhex("ff425c9b724599df7a3bcd510194e00d6a78107f1b0b1cbf06efae9d65a5d763" +
		"748a637985771d347f0545659f14e99def842d8eb335f4eecfdbf831824b4c49" +
		"15956c96")

	// From RFC 8439
	// https://tools.ietf.org/html/rfc8439#appendix-A.5
	keyChaCha := unhex("1c9240a5eb55d38af333888604f6b5f0473917c1402b80099dca5cbc207075c0")
	nonceChaCha := unhex("000000000102030405060708")
	aadChaCha := unhex("f33388860000000000004e91")
	ptChaCha := unhex("496e7465726e65742d4472616674732061726520647261667420646f63756d65" +
		"6e74732076616c696420666f722061206d6178696d756d206f6620736978206d" +
		"6f6e74687320616e64206d617920626520757064617465642c207265706c6163" +
		"65642c206f72206f62736f6c65746564206279206f7468657220646f63756d65" +
		"6e747320617420616e792074696d652e20497420697320696e617070726f7072" +
		"6961746520746f2075736520496e7465726e65742d4472616674732061732072" +
		"65666572656e6365206d6174657269616c206f7220746f206369746520746865" +
		"6d206f74686572207468616e206173202fe2809c776f726b20696e2070726f67" +
		"726573732e2fe2809d")
	ctChaCha := unhex("64a0861575861af460f062c79be643bd5e805cfd345cf389f108670ac76c8cb2" +
		"4c6cfc18755d43eea09ee94e382d26b0bdb7b73c321b0100d4f03b7f355894cf" +
		"332f830e710b97ce98c8a84abd0b948114ad176e008d33bd60f982b1ff37c855" +
		"9797a06ef4f0ef61c186324e2b3506383606907b6a7c02b0f9f6157b53c867e4" +
		"b9166c767b804d46a59b5216cde7a4e99040c5a40433225ee282a1b0a06c523e" +
		"af4534d7f83fa1155b0047718cbc546a0d072b04b3564eea1b422273f548271a" +
		"0bb2316053fa76991955ebd63159434ecebb4e466dae5a1073a6727627097a10" +
		"49e617d91d361094fa68f0ff77987130305beaba2eda04df997b714d6c6f2c29" +
		"a6ad5cb4022b02709beead9d67890cbb22392336fea1851f38")

	encryptDecrypt := func(cs CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			var key, nonce, aad, pt, ct []byte
			switch cs {
			case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256:
				key, nonce, aad, pt, ct = key128, nonce128, aad128, pt128, ct128
			case X25519_CHACHA20POLY1305_SHA256_Ed25519:
				key, nonce, aad, pt, ct = keyChaCha, nonceChaCha, aadChaCha, ptChaCha, ctChaCha
			case P521_AES256GCM_SHA512_P521:
				key, nonce, aad, pt, ct = key256, nonce256, aad256, pt256, ct256
			}

			aead := suiteFor(t, cs).AEAD
			require.Equal(t, len(key), aead.KeySize())

			// Test encryption
			encrypted, err := aead.Seal(key, nonce, aad, pt)
			require.Nil(t, err)
			require.Equal(t, ct, encrypted)

			// Test decryption
			decrypted, err := aead.Open(key, nonce, aad, ct)
			require.Nil(t, err)
			require.Equal(t, pt, decrypted)

			// Tampering is detected
			ct = dup(ct)
			ct[0] ^= 1
			_, err = aead.Open(key, nonce, aad, ct)
			require.True(t, errors.Is(err, ErrCryptoVerification))

			// Wrong key size is rejected rather than truncated
			_, err = aead.Seal(key[1:], nonce, aad, pt)
			require.Error(t, err)
		}
	}

	for _, cs := range supportedSuites {
		t.Run(cs.String(), encryptDecrypt(cs))
	}
}

func TestHPKE(t *testing.T) {
	info := []byte("info")
	aad := []byte("doo-bee-doo")
	original := []byte("Attack at dawn!")
	seed := []byte("All the flowers of tomorrow are in the seeds of today")

	encryptDecrypt := func(cs CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			suite := suiteFor(t, cs)

			priv, err := suite.NewHPKEKey()
			require.Nil(t, err)

			encrypted, err := suite.HPKE.Seal(suite.Rand, priv.PublicKey, info, aad, original)
			require.Nil(t, err)

			decrypted, err := suite.HPKE.Open(priv, info, aad, encrypted)
			require.Nil(t, err)
			require.Equal(t, original, decrypted)

			_, err = suite.HPKE.Open(priv, []byte("other info"), aad, encrypted)
			require.True(t, errors.Is(err, ErrCryptoVerification))

			// Derivation is deterministic
			d1, err := suite.HPKE.DeriveKeyPair(seed)
			require.Nil(t, err)
			d2, err := suite.HPKE.DeriveKeyPair(seed)
			require.Nil(t, err)
			require.Equal(t, d1.PublicKey, d2.PublicKey)
			require.Equal(t, d1.Data, d2.Data)

			// Sender and receiver export the same secret
			kemOutput, secret, err := suite.HPKE.ExportSecret(suite.Rand, d1.PublicKey, info, []byte("ctx"), 32)
			require.Nil(t, err)
			imported, err := suite.HPKE.ImportSecret(d1, kemOutput, info, []byte("ctx"), 32)
			require.Nil(t, err)
			require.Equal(t, secret, imported)
		}
	}

	for _, cs := range supportedSuites {
		t.Run(cs.String(), encryptDecrypt(cs))
	}
}

func TestSignVerify(t *testing.T) {
	message := []byte("I promise Suhas five dollars")

	signVerify := func(cs CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			suite := suiteFor(t, cs)

			priv, err := suite.NewSignatureKey()
			require.Nil(t, err)

			signature, err := suite.Signature.Sign(suite.Rand, priv, message)
			require.Nil(t, err)
			require.True(t, suite.Signature.Verify(priv.PublicKey, message, signature))
			require.False(t, suite.Signature.Verify(priv.PublicKey, []byte("something else"), signature))
			require.False(t, suite.Signature.Verify(SignaturePublicKey{0x04}, message, signature))

			// Labels separate signing contexts
			labeled, err := suite.signWithLabel(priv, "LeafNodeTBS", message)
			require.Nil(t, err)
			require.True(t, suite.verifyWithLabel(priv.PublicKey, "LeafNodeTBS", message, labeled))
			require.False(t, suite.verifyWithLabel(priv.PublicKey, "GroupInfoTBS", message, labeled))
		}
	}

	for _, cs := range supportedSuites {
		t.Run(cs.String(), signVerify(cs))
	}
}

func TestEncryptWithLabel(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	priv, err := suite.NewHPKEKey()
	require.Nil(t, err)

	ct, err := suite.encryptWithLabel(priv.PublicKey, "UpdatePathNode", []byte("context"), []byte("secret"))
	require.Nil(t, err)

	pt, err := suite.decryptWithLabel(priv, "UpdatePathNode", []byte("context"), ct)
	require.Nil(t, err)
	require.Equal(t, []byte("secret"), pt)

	_, err = suite.decryptWithLabel(priv, "Welcome", []byte("context"), ct)
	require.Error(t, err)
}

func TestDerivations(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	secret := randomBytes(32)

	// ExpandWithLabel depends on the label, the context and the length
	base := suite.expandWithLabel(secret, "key", []byte("ctx"), 16)
	require.Len(t, base, 16)
	require.NotEqual(t, base, suite.expandWithLabel(secret, "nonce", []byte("ctx"), 16))
	require.NotEqual(t, base, suite.expandWithLabel(secret, "key", []byte("other"), 16))
	require.NotEqual(t, base, suite.expandWithLabel(secret, "key", []byte("ctx"), 32)[:16])

	require.Equal(t, suite.expandWithLabel(secret, "init", nil, 32), suite.deriveSecret(secret, "init"))
	require.NotEqual(t, suite.deriveTreeSecret(secret, "key", 0, 16), suite.deriveTreeSecret(secret, "key", 1, 16))

	require.NotEqual(t, suite.refHash("MLS 1.0 KeyPackage Reference", []byte{1}),
		suite.refHash("MLS 1.0 Proposal Reference", []byte{1}))
}

func TestCipherSuite_String(t *testing.T) {
	for _, cs := range supportedSuites {
		require.True(t, len(cs.String()) > 0)
		require.True(t, cs.Supported())
	}

	var badCipherSuite CipherSuite = 0x0009
	require.Equal(t, "UnknownCipherSuite(0x0009)", badCipherSuite.String())
	require.False(t, badCipherSuite.Supported())

	_, err := badCipherSuite.Suite()
	require.True(t, errors.Is(err, ErrDependency))
}

func TestSuiteWithRand(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)

	fixed := suite.WithRand(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	out, err := fixed.RandomBytes(8)
	require.Nil(t, err)
	require.Equal(t, bytes.Repeat([]byte{7}, 8), out)

	empty := suite.WithRand(bytes.NewReader(nil))
	_, err = empty.RandomBytes(8)
	require.True(t, errors.Is(err, ErrDependency))

	require.Equal(t, suite.Rand, suite.WithRand(nil).Rand)
}
