package minerapi

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

type testSigner struct {
	hotkey string
	key    ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &testSigner{hotkey: "5TestHotkey", key: key}
}

func (s *testSigner) Hotkey() string                  { return s.hotkey }
func (s *testSigner) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(s.key, msg), nil }

// mockMiner is an in-process MinerServer that verifies the challenge
// metadata before answering.
type mockMiner struct {
	pub ed25519.PublicKey

	sshOpened []string
	sshClosed []string
}

func (m *mockMiner) verify(ctx context.Context, method string) error {
	md, _ := metadata.FromIncomingContext(ctx)
	nonce := first(md, HeaderNonce)
	ts, err := strconv.ParseInt(first(md, HeaderTimestamp), 10, 64)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(first(md, HeaderSignature))
	if err != nil {
		return err
	}
	if !ed25519.Verify(m.pub, ChallengePayload(method, nonce, ts), sig) {
		return context.Canceled
	}
	return nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (m *mockMiner) RequestExecutors(ctx context.Context, req *RequestExecutorsRequest) (*RequestExecutorsResponse, error) {
	if err := m.verify(ctx, MethodRequestExecutors); err != nil {
		return nil, err
	}
	return &RequestExecutorsResponse{
		Executors: []ExecutorDetails{
			{ExecutorID: "exec-1", GRPCEndpoint: "203.0.113.7:50051", GPUCount: 2, GPUMemoryGB: 80},
			{ExecutorID: "exec-2", GRPCEndpoint: "203.0.113.8:50051", GPUCount: 8},
		},
	}, nil
}

func (m *mockMiner) InitiateSshSession(ctx context.Context, req *InitiateSshSessionRequest) (*SshSessionInfo, error) {
	if err := m.verify(ctx, MethodInitiateSshSession); err != nil {
		return nil, err
	}
	m.sshOpened = append(m.sshOpened, req.ExecutorID)
	return &SshSessionInfo{
		SessionID: "sess-1",
		Host:      "203.0.113.7",
		Port:      22,
		Username:  "basilica",
		ExpiresAt: time.Now().Add(req.Duration),
	}, nil
}

func (m *mockMiner) CloseSshSession(ctx context.Context, req *CloseSshSessionRequest) (*CloseSshSessionResponse, error) {
	if err := m.verify(ctx, MethodCloseSshSession); err != nil {
		return nil, err
	}
	m.sshClosed = append(m.sshClosed, req.SessionID)
	return &CloseSshSessionResponse{Closed: true}, nil
}

// dialMock stands up a bufconn miner and returns an authenticated client.
func dialMock(t *testing.T, signer Signer, miner *mockMiner) *Client {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterMinerServer(server, miner)
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(authInterceptor(signer)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClientFromConn(conn)
}

func TestRequestExecutorsEndToEnd(t *testing.T) {
	signer := newTestSigner(t)
	miner := &mockMiner{pub: signer.key.Public().(ed25519.PublicKey)}
	client := dialMock(t, signer, miner)

	resp, err := client.RequestExecutors(context.Background(), &RequestExecutorsRequest{
		Requirements:  &ResourceLimits{MinGPUCount: 1},
		LeaseDuration: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, resp.Executors, 2)
	require.Equal(t, "exec-1", resp.Executors[0].ExecutorID)
	require.EqualValues(t, 80, resp.Executors[0].GPUMemoryGB)
}

func TestSshSessionLifecycleEndToEnd(t *testing.T) {
	signer := newTestSigner(t)
	miner := &mockMiner{pub: signer.key.Public().(ed25519.PublicKey)}
	client := dialMock(t, signer, miner)

	info, err := client.InitiateSshSession(context.Background(), &InitiateSshSessionRequest{
		ExecutorID:      "exec-1",
		ValidatorHotkey: signer.Hotkey(),
		PublicKey:       "ssh-ed25519 AAAA test",
		Duration:        5 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "sess-1", info.SessionID)
	require.EqualValues(t, 22, info.Port)

	require.NoError(t, client.CloseSshSession(context.Background(), info.SessionID))
	require.Equal(t, []string{"exec-1"}, miner.sshOpened)
	require.Equal(t, []string{"sess-1"}, miner.sshClosed)
}

func TestBadSignatureRejected(t *testing.T) {
	signer := newTestSigner(t)
	// Server verifies against a different key.
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	client := dialMock(t, signer, &mockMiner{pub: otherPub})

	_, err = client.RequestExecutors(context.Background(), &RequestExecutorsRequest{})
	require.Error(t, err)
}

func TestChallengePayloadDeterministic(t *testing.T) {
	a := ChallengePayload(MethodRequestExecutors, "nonce", 42)
	b := ChallengePayload(MethodRequestExecutors, "nonce", 42)
	require.Equal(t, a, b)
	require.NotEqual(t, a, ChallengePayload(MethodCloseSshSession, "nonce", 42))
	require.NotEqual(t, a, ChallengePayload(MethodRequestExecutors, "other", 42))
}

func TestCodecTolerantOfUnknownFields(t *testing.T) {
	codec := jsonCodec{}
	raw := []byte(`{"executors": [{"executor_id": "e1", "grpc_endpoint": "h:1", "gpu_count": 1, "future_field": true}]}`)
	resp := new(RequestExecutorsResponse)
	require.NoError(t, codec.Unmarshal(raw, resp))
	require.Len(t, resp.Executors, 1)
	require.Equal(t, "e1", resp.Executors[0].ExecutorID)
}
