package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tezit/pkg/identity"
)

// Deliverer posts a signed bundle to a remote inbox. Implementations must
// bound the call with a timeout; a slow peer is a failed delivery, not a
// hung one.
type Deliverer interface {
	Deliver(ctx context.Context, info *ServerInfo, bundle *Bundle) error
}

// HTTPDeliverer delivers bundles over signed HTTP POSTs.
type HTTPDeliverer struct {
	identity *identity.ServerIdentity
	client   *http.Client
	scheme   string
	logger   *zap.Logger
}

// NewHTTPDeliverer creates a deliverer signing with this server's identity.
func NewHTTPDeliverer(id *identity.ServerIdentity, timeout time.Duration, scheme string, logger *zap.Logger) *HTTPDeliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scheme == "" {
		scheme = "https"
	}
	return &HTTPDeliverer{
		identity: id,
		client:   &http.Client{Timeout: timeout},
		scheme:   scheme,
		logger:   logger,
	}
}

// Deliver signs and posts the bundle to the peer's discovered inbox path.
// A duplicate-bundle conflict from the peer counts as delivered: the
// payload is already there.
func (d *HTTPDeliverer) Deliver(ctx context.Context, info *ServerInfo, bundle *Bundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	inbox := info.Federation.Inbox
	if inbox == "" {
		inbox = DefaultInboxPath
	}
	headers := SignRequest(http.MethodPost, inbox, body, d.identity)

	url := fmt.Sprintf("%s://%s%s", d.scheme, info.Host, inbox)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderServer, headers.Server)
	req.Header.Set(HeaderDate, headers.Date)
	req.Header.Set(HeaderDigest, headers.Digest)
	req.Header.Set(HeaderNonce, headers.Nonce)
	req.Header.Set(HeaderSignature, headers.Signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post bundle to %s: %w", info.Host, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
		return nil
	case http.StatusConflict:
		d.logger.Debug("peer reported duplicate bundle, treating as delivered",
			zap.String("host", info.Host))
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("peer %s rejected delivery: status %d: %s", info.Host, resp.StatusCode, string(msg))
}
