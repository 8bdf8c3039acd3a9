package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mls "github.com/suhasHere/mlscore"
)

var (
	verbose bool
	suiteID uint16
	logger  *zap.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "mlstool",
		Short:         "MLS test vectors and group simulation",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().Uint16Var(&suiteID, "suite", uint16(mls.X25519_AES128GCM_SHA256_Ed25519), "cipher suite identifier")

	root.AddCommand(suitesCmd(), vectorsCmd(), demoCmd())
	return root.Execute()
}

func selectedSuite() (mls.CipherSuite, error) {
	cs := mls.CipherSuite(suiteID)
	if !cs.Supported() {
		return 0, fmt.Errorf("unsupported cipher suite 0x%04x", suiteID)
	}
	return cs, nil
}

func suitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List supported cipher suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, cs := range []mls.CipherSuite{
				mls.X25519_AES128GCM_SHA256_Ed25519,
				mls.P256_AES128GCM_SHA256_P256,
				mls.X25519_CHACHA20POLY1305_SHA256_Ed25519,
				mls.P521_AES256GCM_SHA512_P521,
			} {
				fmt.Printf("0x%04x %v\n", uint16(cs), cs)
			}
			return nil
		},
	}
}
