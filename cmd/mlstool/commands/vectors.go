package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mls "github.com/suhasHere/mlscore"
	"github.com/suhasHere/mlscore/test-vectors"
)

type vectorFile struct {
	Filename string
	Generate func(cs mls.CipherSuite) (interface{}, error)
	Verify   func(data []byte) error
}

var vectorFiles = []vectorFile{
	{
		Filename: "tree-math.json",
		Generate: func(mls.CipherSuite) (interface{}, error) {
			vecs := []vectors.TreeMath{}
			for _, n := range []uint32{1, 2, 4, 8, 16, 32} {
				vec, err := vectors.NewTreeMath(n)
				if err != nil {
					return nil, err
				}
				vecs = append(vecs, vec)
			}
			return vecs, nil
		},
		Verify: func(data []byte) error {
			var vecs []vectors.TreeMath
			if err := json.Unmarshal(data, &vecs); err != nil {
				return err
			}
			for _, vec := range vecs {
				if err := vec.Verify(); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Filename: "key-schedule.json",
		Generate: func(cs mls.CipherSuite) (interface{}, error) {
			vec, err := mls.NewKeyScheduleTestVector(cs, 5)
			if err != nil {
				return nil, err
			}
			return []*mls.KeyScheduleTestVector{vec}, nil
		},
		Verify: func(data []byte) error {
			var vecs []mls.KeyScheduleTestVector
			if err := json.Unmarshal(data, &vecs); err != nil {
				return err
			}
			for _, vec := range vecs {
				if err := vec.Verify(); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Filename: "secret-tree.json",
		Generate: func(cs mls.CipherSuite) (interface{}, error) {
			vecs := []*mls.SecretTreeTestVector{}
			for _, n := range []mls.LeafCount{1, 2, 4, 8, 16} {
				vec, err := mls.NewSecretTreeTestVector(cs, n)
				if err != nil {
					return nil, err
				}
				vecs = append(vecs, vec)
			}
			return vecs, nil
		},
		Verify: func(data []byte) error {
			var vecs []mls.SecretTreeTestVector
			if err := json.Unmarshal(data, &vecs); err != nil {
				return err
			}
			for _, vec := range vecs {
				if err := vec.Verify(); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Filename: "psk_secret.json",
		Generate: func(cs mls.CipherSuite) (interface{}, error) {
			vecs := []*mls.PSKSecretTestVector{}
			for _, n := range []int{0, 1, 2, 5} {
				vec, err := mls.NewPSKSecretTestVector(cs, n)
				if err != nil {
					return nil, err
				}
				vecs = append(vecs, vec)
			}
			return vecs, nil
		},
		Verify: func(data []byte) error {
			var vecs []mls.PSKSecretTestVector
			if err := json.Unmarshal(data, &vecs); err != nil {
				return err
			}
			for _, vec := range vecs {
				if err := vec.Verify(); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

func vectorsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "vectors",
		Short: "Generate or verify JSON test vectors",
	}
	cmd.PersistentFlags().StringVarP(&dir, "dir", "d", ".", "directory holding the vector files")

	gen := &cobra.Command{
		Use:   "gen",
		Short: "Write fresh test vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := selectedSuite()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			for _, vf := range vectorFiles {
				vec, err := vf.Generate(cs)
				if err != nil {
					return fmt.Errorf("%s: %w", vf.Filename, err)
				}

				data, err := json.MarshalIndent(vec, "", "  ")
				if err != nil {
					return err
				}

				path := filepath.Join(dir, vf.Filename)
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				logger.Info("wrote test vectors", zap.String("file", path), zap.Stringer("suite", cs))
			}
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check test vectors against this implementation",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, vf := range vectorFiles {
				path := filepath.Join(dir, vf.Filename)
				data, err := os.ReadFile(path)
				if os.IsNotExist(err) {
					logger.Warn("vector file missing", zap.String("file", path))
					continue
				}
				if err != nil {
					return err
				}

				if err := vf.Verify(data); err != nil {
					logger.Error("vectors failed", zap.String("file", path), zap.Error(err))
					failed++
					continue
				}
				fmt.Printf("ok   %s\n", vf.Filename)
			}

			if failed > 0 {
				return fmt.Errorf("%d vector files failed", failed)
			}
			return nil
		},
	}

	cmd.AddCommand(gen, verify)
	return cmd
}
