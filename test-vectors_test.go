package mls

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suhasHere/mlscore/test-vectors"
)

// To generate or verify test vectors, run `go test` with these environment
// variables set to point to the directory where the test files reside.  The
// names of the individual files of test vectors are specified in the test
// vector cases below.
//
// > MLS_TEST_VECTORS_OUT=... go test -run VectorGen
// > MLS_TEST_VECTORS_IN=...  go test -run VectorVer
const (
	testDirWriteEnv = "MLS_TEST_VECTORS_OUT"
	testDirReadEnv  = "MLS_TEST_VECTORS_IN"
)

// For each set of test vectors, this struct defines:
//
// * The file name with which the vectors should be saved / loaded
// * A function to generate test vectors
// * A function to verify test vectors
//
// The generate and verify functions are responsible for reporting their own
// errors through the testing.T object passed to them.
type TestVectorCase struct {
	Filename string
	Generate func(t *testing.T) []byte
	Verify   func(t *testing.T, data []byte)
}

func generateTreeMathVectors(t *testing.T) []byte {
	vecs := []vectors.TreeMath{}
	for _, n := range []uint32{1, 2, 4, 8, 16, 32} {
		vec, err := vectors.NewTreeMath(n)
		require.NoError(t, err)
		vecs = append(vecs, vec)
	}

	data, err := json.MarshalIndent(vecs, "", "  ")
	require.NoError(t, err)
	return data
}

func verifyTreeMathVectors(t *testing.T, data []byte) {
	var vecs []vectors.TreeMath
	require.NoError(t, json.Unmarshal(data, &vecs))
	for _, vec := range vecs {
		require.NoError(t, vec.Verify())
	}
}

func generateKeyScheduleVectors(t *testing.T) []byte {
	vecs := []*KeyScheduleTestVector{}
	for _, cs := range supportedSuites {
		vec, err := NewKeyScheduleTestVector(cs, 3)
		require.NoError(t, err)
		vecs = append(vecs, vec)
	}

	data, err := json.MarshalIndent(vecs, "", "  ")
	require.NoError(t, err)
	return data
}

func verifyKeyScheduleVectors(t *testing.T, data []byte) {
	var vecs []KeyScheduleTestVector
	require.NoError(t, json.Unmarshal(data, &vecs))
	require.NotEmpty(t, vecs)
	for _, vec := range vecs {
		require.NoError(t, vec.Verify())
	}
}

func generateSecretTreeVectors(t *testing.T) []byte {
	vecs := []*SecretTreeTestVector{}
	for _, cs := range supportedSuites {
		for _, n := range []LeafCount{1, 2, 8} {
			vec, err := NewSecretTreeTestVector(cs, n)
			require.NoError(t, err)
			vecs = append(vecs, vec)
		}
	}

	data, err := json.MarshalIndent(vecs, "", "  ")
	require.NoError(t, err)
	return data
}

func verifySecretTreeVectors(t *testing.T, data []byte) {
	var vecs []SecretTreeTestVector
	require.NoError(t, json.Unmarshal(data, &vecs))
	require.NotEmpty(t, vecs)
	for _, vec := range vecs {
		require.NoError(t, vec.Verify())
	}
}

func generatePSKSecretVectors(t *testing.T) []byte {
	vecs := []*PSKSecretTestVector{}
	for _, cs := range supportedSuites {
		for _, n := range []int{0, 1, 3} {
			vec, err := NewPSKSecretTestVector(cs, n)
			require.NoError(t, err)
			vecs = append(vecs, vec)
		}
	}

	data, err := json.MarshalIndent(vecs, "", "  ")
	require.NoError(t, err)
	return data
}

func verifyPSKSecretVectors(t *testing.T, data []byte) {
	var vecs []PSKSecretTestVector
	require.NoError(t, json.Unmarshal(data, &vecs))
	require.NotEmpty(t, vecs)
	for _, vec := range vecs {
		require.NoError(t, vec.Verify())
	}
}

var testVectorCases = map[string]TestVectorCase{
	"tree_math": {
		Filename: "tree-math.json",
		Generate: generateTreeMathVectors,
		Verify:   verifyTreeMathVectors,
	},

	"key_schedule": {
		Filename: "key-schedule.json",
		Generate: generateKeyScheduleVectors,
		Verify:   verifyKeyScheduleVectors,
	},

	"secret_tree": {
		Filename: "secret-tree.json",
		Generate: generateSecretTreeVectors,
		Verify:   verifySecretTreeVectors,
	},

	"psk_secret": {
		Filename: "psk_secret.json",
		Generate: generatePSKSecretVectors,
		Verify:   verifyPSKSecretVectors,
	},
}

func vectorGenerate(c TestVectorCase, testDir string) func(t *testing.T) {
	return func(t *testing.T) {
		// Generate test vectors
		vec := c.Generate(t)

		// Verify that vectors pass
		c.Verify(t, vec)

		// Write the vectors to file if required
		if len(testDir) != 0 {
			file := filepath.Join(testDir, c.Filename)
			err := os.WriteFile(file, vec, 0644)
			require.NoError(t, err)
		}
	}
}

func TestVectorGenerate(t *testing.T) {
	testDir := os.Getenv(testDirWriteEnv)

	for label, tvCase := range testVectorCases {
		t.Run(label, vectorGenerate(tvCase, testDir))
	}
}

func vectorVerify(c TestVectorCase, testDir string) func(t *testing.T) {
	return func(t *testing.T) {
		// Read test vectors
		file := filepath.Join(testDir, c.Filename)
		vec, err := os.ReadFile(file)
		require.NoError(t, err)

		// Verify test vectors
		c.Verify(t, vec)
	}
}

func TestVectorVerify(t *testing.T) {
	testDir := ""
	if testDir = os.Getenv(testDirReadEnv); len(testDir) == 0 {
		t.Skip("Test vectors were not provided")
	}

	for label, tvCase := range testVectorCases {
		t.Run(label, vectorVerify(tvCase, testDir))
	}
}

func TestKeyScheduleVectorDetectsTampering(t *testing.T) {
	vec, err := NewKeyScheduleTestVector(X25519_AES128GCM_SHA256_Ed25519, 2)
	require.NoError(t, err)
	require.NoError(t, vec.Verify())

	vec.Epochs[1].MembershipKey[0] ^= 0xff
	require.Error(t, vec.Verify())
}

func TestSecretTreeVectorDetectsTampering(t *testing.T) {
	vec, err := NewSecretTreeTestVector(X25519_AES128GCM_SHA256_Ed25519, 4)
	require.NoError(t, err)
	require.NoError(t, vec.Verify())

	vec.Leaves[3][2].ApplicationNonce[0] ^= 0xff
	require.Error(t, vec.Verify())
}
