package mls

import (
	"bytes"

	"go.uber.org/zap"
)

type outboundCache struct {
	data  []byte
	state *ClientState
}

// Session wraps a ClientState behind a byte-oriented API.  Handshake messages
// are exchanged as a concatenation of MLSMessages (a proposal followed by the
// commit that covers it), and the session moves itself to the next epoch as
// commits are sent and received.
//
// A commit this session sent only takes effect when it comes back from the
// delivery service through Handle, so that every member applies commits in the
// same order.
type Session struct {
	current  *ClientState
	outbound *outboundCache
}

func newSession(state *ClientState) *Session {
	return &Session{current: state}
}

// StartSession creates a new group with the caller as its only member
func StartSession(config ClientConfig, groupID []byte, kp KeyPackage, kpPriv KeyPackagePrivate) (*Session, error) {
	state, err := CreateGroup(config, groupID, kp, kpPriv, NewExtensionList())
	if err != nil {
		return nil, err
	}
	return newSession(state), nil
}

// JoinSession joins from an encoded Welcome message
func JoinSession(config ClientConfig, welcomeData []byte, kp KeyPackage, kpPriv KeyPackagePrivate) (*Session, error) {
	var msg MLSMessage
	if err := unmarshalExact(welcomeData, &msg); err != nil {
		return nil, err
	}
	if msg.Welcome == nil {
		return nil, usageError("session", "expected a welcome, got %v", msg.WireFormat())
	}

	state, err := JoinGroup(config, msg.Welcome, kp, kpPriv, nil)
	if err != nil {
		return nil, err
	}
	return newSession(state), nil
}

// JoinSessionExternal joins from an encoded GroupInfo and returns the external
// commit to deliver to the group.  The joiner's state is live immediately.
func JoinSessionExternal(config ClientConfig, groupInfoData []byte, opts ExternalJoinOptions) (*Session, []byte, error) {
	var msg MLSMessage
	if err := unmarshalExact(groupInfoData, &msg); err != nil {
		return nil, nil, err
	}
	if msg.GroupInfo == nil {
		return nil, nil, usageError("session", "expected a group info, got %v", msg.WireFormat())
	}

	commit, state, err := JoinExternal(config, *msg.GroupInfo, opts)
	if err != nil {
		return nil, nil, err
	}

	data, err := Marshal(commit)
	if err != nil {
		return nil, nil, err
	}
	return newSession(state), data, nil
}

func (s *Session) State() *ClientState {
	return s.current
}

func (s *Session) Epoch() Epoch {
	return s.current.Epoch()
}

// EncryptHandshake selects PrivateMessage framing for proposals and commits
// sent from now on
func (s *Session) EncryptHandshake(enabled bool) {
	s.current.config.EncryptHandshake = enabled
}

// GroupInfo encodes a signed GroupInfo with the ratchet tree, for external
// joiners
func (s *Session) GroupInfo() ([]byte, error) {
	gi, err := s.current.GroupInfo(true)
	if err != nil {
		return nil, err
	}
	return Marshal(&MLSMessage{Version: ProtocolVersionMLS10, GroupInfo: gi})
}

// Add proposes and commits the addition of a new member.  It returns the
// encoded Welcome for the new member and the handshake bytes for the group.
func (s *Session) Add(kp KeyPackage) ([]byte, []byte, error) {
	proposal, err := s.current.ProposeAdd(kp, nil)
	if err != nil {
		return nil, nil, err
	}

	welcome, handshake, err := s.commitAndCache(proposal, CommitOptions{})
	if err != nil {
		return nil, nil, err
	}
	if welcome == nil {
		return nil, nil, internalError("session", "add produced no welcome")
	}

	welcomeData, err := Marshal(&MLSMessage{Version: ProtocolVersionMLS10, Welcome: welcome})
	if err != nil {
		return nil, nil, err
	}
	return welcomeData, handshake, nil
}

// Update refreshes the caller's leaf and path secrets with an empty commit
func (s *Session) Update() ([]byte, error) {
	_, handshake, err := s.commitAndCache(nil, CommitOptions{ForcePath: true})
	return handshake, err
}

func (s *Session) Remove(index LeafIndex) ([]byte, error) {
	proposal, err := s.current.ProposeRemove(index, nil)
	if err != nil {
		return nil, err
	}

	_, handshake, err := s.commitAndCache(proposal, CommitOptions{})
	return handshake, err
}

func (s *Session) commitAndCache(proposal *MLSMessage, opts CommitOptions) (*Welcome, []byte, error) {
	res, err := s.current.CreateCommit(opts)
	if err != nil {
		return nil, nil, err
	}

	w := NewWriteStream()
	if proposal != nil {
		if err := w.Write(proposal); err != nil {
			return nil, nil, err
		}
	}
	if err := w.Write(res.Message); err != nil {
		return nil, nil, err
	}

	msg := w.Data()
	s.outbound = &outboundCache{data: msg, state: res.State}
	return res.Welcome, msg, nil
}

// Handle processes handshake bytes from the delivery service.  Bytes this
// session sent itself are recognized and move it to the state it committed to.
func (s *Session) Handle(handshakeData []byte) error {
	if s.outbound != nil && bytes.Equal(s.outbound.data, handshakeData) {
		s.advance(s.outbound.state)
		return nil
	}

	msgs, err := NewReadStream(handshakeData).ReadMessages()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return usageError("session", "empty handshake")
	}

	for _, msg := range msgs {
		res, err := s.current.ProcessMessage(msg)
		if err != nil {
			return err
		}

		switch {
		case res.ApplicationData != nil:
			return usageError("session", "application data in handshake")
		case res.State != nil:
			s.advance(res.State)
		}
	}
	return nil
}

func (s *Session) advance(next *ClientState) {
	s.current.logger().Debug("session advanced",
		zap.Uint64("next_epoch", uint64(next.Epoch())),
		zap.Stringer("state", next.ActiveState))
	s.current = next
	s.outbound = nil
}

// Protect encrypts application data and returns the encoded PrivateMessage
func (s *Session) Protect(plaintext []byte) ([]byte, error) {
	msg, err := s.current.Protect(plaintext, nil)
	if err != nil {
		return nil, err
	}

	w := NewWriteStream()
	if err := w.Write(msg); err != nil {
		return nil, err
	}
	return w.Data(), nil
}

func (s *Session) Unprotect(ciphertext []byte) ([]byte, error) {
	var msg MLSMessage
	if err := unmarshalExact(ciphertext, &msg); err != nil {
		return nil, err
	}
	return s.current.Unprotect(&msg)
}
