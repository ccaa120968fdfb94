package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/hec"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
)

// Validate checks every configured endpoint before start by posting an
// empty payload. HEC answers "No data" to a valid token, so only token,
// index and channel rejections (or an unreachable endpoint) fail.
func Validate(ctx context.Context, cfg config.HECConfig, doer hec.Doer) error {
	logger := slog.Default().With("component", "delivery-validate")
	g, ctx := errgroup.WithContext(ctx)
	for _, uri := range cfg.URIs {
		uri := uri
		g.Go(func() error {
			if err := validateEndpoint(ctx, cfg, doer, uri); err != nil {
				return err
			}
			logger.Info("endpoint validated", "uri", uri)
			return nil
		})
	}
	return g.Wait()
}

func validateEndpoint(ctx context.Context, cfg config.HECConfig, doer hec.Doer, uri string) error {
	target := strings.TrimRight(uri, "/") + hec.EventPath
	if cfg.Raw {
		target = strings.TrimRight(uri, "/") + hec.RawPath
		if cfg.Index != "" {
			target += "?" + url.Values{"index": {cfg.Index}}.Encode()
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return apperrors.Newf(apperrors.ErrConfiguration, 0, "invalid endpoint %s: %v", uri, err)
	}
	req.Header.Set(hec.HeaderAuthorization, "Splunk "+cfg.Token)
	req.Header.Set(hec.HeaderChannel, uuid.NewString())

	resp, err := doer.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.ErrConfiguration, 0, "endpoint %s unreachable: %v", uri, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var hr hec.Response
	_ = json.Unmarshal(body, &hr)
	switch hr.Code {
	case hec.CodeTokenDisabled, hec.CodeTokenRequired, hec.CodeInvalidAuthz, hec.CodeInvalidToken,
		hec.CodeIncorrectIndex, hec.CodeInvalidChannel, hec.CodeAckDisabled:
		return &apperrors.DeliveryError{
			Err:        apperrors.ErrConfiguration,
			Message:    fmt.Sprintf("endpoint %s rejected configuration: %s", uri, hr.Text),
			StatusCode: resp.StatusCode,
			HECCode:    hr.Code,
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.Newf(apperrors.ErrConfiguration, resp.StatusCode, "endpoint %s rejected token", uri)
	}
	return nil
}
