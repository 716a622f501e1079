package minerapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Signer signs authentication challenges with the validator hotkey. The
// concrete implementation is injected by the caller; the core never holds
// key material for the hotkey itself.
type Signer interface {
	// Hotkey returns the ss58 validator hotkey.
	Hotkey() string
	// Sign signs an arbitrary challenge payload.
	Sign(msg []byte) ([]byte, error)
}

// Metadata keys of the hotkey challenge handshake. The miner side verifies
// the signature over the canonical payload before serving the RPC.
const (
	HeaderHotkey    = "x-basilica-hotkey"
	HeaderNonce     = "x-basilica-nonce"
	HeaderTimestamp = "x-basilica-timestamp"
	HeaderSignature = "x-basilica-signature"
)

// ChallengePayload builds the canonical byte string a validator signs for one
// RPC: method, nonce and unix-nanosecond timestamp joined by newlines.
func ChallengePayload(method, nonce string, ts int64) []byte {
	return []byte(method + "\n" + nonce + "\n" + strconv.FormatInt(ts, 10))
}

// authInterceptor signs every outgoing unary RPC with the validator hotkey.
func authInterceptor(signer Signer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		nonce := uuid.NewString()
		ts := time.Now().UnixNano()
		sig, err := signer.Sign(ChallengePayload(method, nonce, ts))
		if err != nil {
			return fmt.Errorf("sign challenge: %w", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx,
			HeaderHotkey, signer.Hotkey(),
			HeaderNonce, nonce,
			HeaderTimestamp, strconv.FormatInt(ts, 10),
			HeaderSignature, hex.EncodeToString(sig),
		)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Client is the validator-side handle to one miner's fleet manager.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens an authenticated channel to a miner endpoint. Transport
// security between subnet participants rides on the hotkey challenge, not
// TLS, matching the miner side.
func Dial(ctx context.Context, target string, signer Signer, timeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(authInterceptor(signer)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial miner %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClientFromConn wraps an already established connection, for in-process
// test servers.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// RequestExecutors fetches the miner's current executor roster.
func (c *Client) RequestExecutors(ctx context.Context, req *RequestExecutorsRequest) (*RequestExecutorsResponse, error) {
	resp := new(RequestExecutorsResponse)
	if err := c.conn.Invoke(ctx, MethodRequestExecutors, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InitiateSshSession asks the miner to install a public key on an executor
// and open a bounded SSH session.
func (c *Client) InitiateSshSession(ctx context.Context, req *InitiateSshSessionRequest) (*SshSessionInfo, error) {
	resp := new(SshSessionInfo)
	if err := c.conn.Invoke(ctx, MethodInitiateSshSession, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CloseSshSession asks the miner to uninstall the session key.
func (c *Client) CloseSshSession(ctx context.Context, sessionID string) error {
	resp := new(CloseSshSessionResponse)
	return c.conn.Invoke(ctx, MethodCloseSshSession, &CloseSshSessionRequest{SessionID: sessionID}, resp)
}

// Close tears down the underlying channel.
func (c *Client) Close() error { return c.conn.Close() }
