package mls

import (
	"io"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetainKeysForGenerations   = 10
	defaultMaximumForwardRatchetSteps = 200
	defaultRetainKeysForEpochs        = 4
)

// ClientConfig carries the local policy of one client.  Zero-valued numeric
// fields and nil collaborators are replaced with defaults when a group is
// created or joined; start from DefaultClientConfig to keep the boolean
// defaults.
type ClientConfig struct {
	// Skipped generations kept per ratchet for out-of-order messages
	RetainKeysForGenerations uint32

	// How far ahead of the current generation a received message may be
	MaximumForwardRatchetSteps uint32

	// Past epochs whose receive keys are kept for late PrivateMessages
	RetainKeysForEpochs int

	// PrivateMessage content is zero-padded to a multiple of this size
	PaddingBlockSize int

	// Send proposals and commits as PrivateMessages
	EncryptHandshake bool

	// Carry the ratchet tree in the GroupInfo of Welcome messages
	IncludeRatchetTreeInWelcome bool

	AuthService AuthenticationService
	PSKStore    PSKStore
	Logger      *zap.Logger
	Rand        io.Reader
	Clock       func() time.Time
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetainKeysForGenerations:    defaultRetainKeysForGenerations,
		MaximumForwardRatchetSteps:  defaultMaximumForwardRatchetSteps,
		RetainKeysForEpochs:         defaultRetainKeysForEpochs,
		IncludeRatchetTreeInWelcome: true,
		AuthService:                 BasicAuthenticationService{},
		PSKStore:                    NewMemoryPSKStore(),
		Logger:                      zap.NewNop(),
		Clock:                       time.Now,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RetainKeysForGenerations == 0 {
		c.RetainKeysForGenerations = defaultRetainKeysForGenerations
	}
	if c.MaximumForwardRatchetSteps == 0 {
		c.MaximumForwardRatchetSteps = defaultMaximumForwardRatchetSteps
	}
	if c.RetainKeysForEpochs < 0 {
		c.RetainKeysForEpochs = 0
	}
	if c.PaddingBlockSize < 0 {
		c.PaddingBlockSize = 0
	}
	if c.AuthService == nil {
		c.AuthService = BasicAuthenticationService{}
	}
	if c.PSKStore == nil {
		c.PSKStore = NewMemoryPSKStore()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// suite resolves the cipher suite with the configured randomness source
func (c ClientConfig) suite(cs CipherSuite) (Suite, error) {
	suite, err := cs.Suite()
	if err != nil {
		return Suite{}, err
	}
	return suite.WithRand(c.Rand), nil
}
