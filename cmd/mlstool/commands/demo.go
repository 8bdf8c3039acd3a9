package commands

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mls "github.com/suhasHere/mlscore"
)

type demoMember struct {
	name    string
	session *mls.Session
}

func newDemoKeyPackage(suite mls.Suite, name string) (*mls.KeyPackage, *mls.KeyPackagePrivate, error) {
	sigPriv, err := suite.NewSignatureKey()
	if err != nil {
		return nil, nil, err
	}
	return mls.NewKeyPackage(suite, mls.NewBasicCredential([]byte(name)), sigPriv, mls.KeyPackageOpts{})
}

// broadcast plays the delivery service: every live member, the sender
// included, sees the same handshake bytes in the same order
func broadcast(members []*demoMember, data []byte) error {
	for _, m := range members {
		if m.session.State().ActiveState != mls.StateActive {
			continue
		}
		if err := m.session.Handle(data); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
	return nil
}

func checkAgreement(members []*demoMember) error {
	var auth []byte
	for _, m := range members {
		state := m.session.State()
		if state.ActiveState != mls.StateActive {
			continue
		}
		if auth == nil {
			auth = state.EpochAuthenticator()
			continue
		}
		if !bytes.Equal(auth, state.EpochAuthenticator()) {
			return fmt.Errorf("%s disagrees on epoch %d", m.name, state.Epoch())
		}
	}
	fmt.Printf("epoch %d: %d members agree, authenticator %x\n", members[0].session.Epoch(), len(members), auth)
	return nil
}

func runDemo(cs mls.CipherSuite, size int, encrypt bool) error {
	suite, err := cs.Suite()
	if err != nil {
		return err
	}

	config := mls.DefaultClientConfig()
	config.Logger = logger
	config.EncryptHandshake = encrypt

	kp, kpPriv, err := newDemoKeyPackage(suite, "member-0")
	if err != nil {
		return err
	}
	creator, err := mls.StartSession(config, []byte("mlstool-demo"), *kp, *kpPriv)
	if err != nil {
		return err
	}
	members := []*demoMember{{name: "member-0", session: creator}}

	for i := 1; i < size; i++ {
		name := fmt.Sprintf("member-%d", i)
		kp, kpPriv, err := newDemoKeyPackage(suite, name)
		if err != nil {
			return err
		}

		welcome, handshake, err := creator.Add(*kp)
		if err != nil {
			return err
		}
		if err := broadcast(members, handshake); err != nil {
			return err
		}

		joined, err := mls.JoinSession(config, welcome, *kp, *kpPriv)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		members = append(members, &demoMember{name: name, session: joined})
	}
	if err := checkAgreement(members); err != nil {
		return err
	}

	for _, sender := range members {
		ct, err := sender.session.Protect([]byte("hello from " + sender.name))
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == sender {
				continue
			}
			pt, err := m.session.Unprotect(ct)
			if err != nil {
				return fmt.Errorf("%s reading %s: %w", m.name, sender.name, err)
			}
			logger.Debug("delivered", zap.String("to", m.name), zap.ByteString("data", pt))
		}
	}

	last := members[len(members)-1]
	handshake, err := last.session.Update()
	if err != nil {
		return err
	}
	if err := broadcast(members, handshake); err != nil {
		return err
	}
	if err := checkAgreement(members); err != nil {
		return err
	}

	if len(members) > 2 {
		removed := members[1]
		handshake, err := creator.Remove(removed.session.State().Index)
		if err != nil {
			return err
		}
		if err := broadcast(members, handshake); err != nil {
			return err
		}
		if removed.session.State().ActiveState != mls.StateRemovedFromGroup {
			return fmt.Errorf("%s still active after removal", removed.name)
		}
		members = append(members[:1], members[2:]...)
		if err := checkAgreement(members); err != nil {
			return err
		}
	}

	gi, err := creator.GroupInfo()
	if err != nil {
		return err
	}
	sigPriv, err := suite.NewSignatureKey()
	if err != nil {
		return err
	}
	joiner, commit, err := mls.JoinSessionExternal(config, gi, mls.ExternalJoinOptions{
		Credential:   mls.NewBasicCredential([]byte("external")),
		SignatureKey: sigPriv,
	})
	if err != nil {
		return err
	}
	if err := broadcast(members, commit); err != nil {
		return err
	}
	members = append(members, &demoMember{name: "external", session: joiner})
	return checkAgreement(members)
}

func demoCmd() *cobra.Command {
	var size int
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a simulated group through add, update, remove and external join",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 1 {
				return fmt.Errorf("group size must be positive")
			}

			cs, err := selectedSuite()
			if err != nil {
				return err
			}
			return runDemo(cs, size, encrypt)
		},
	}

	cmd.Flags().IntVarP(&size, "members", "n", 4, "initial group size")
	cmd.Flags().BoolVar(&encrypt, "encrypt-handshake", false, "send proposals and commits as private messages")
	return cmd
}
