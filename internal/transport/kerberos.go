package transport

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
)

// kerberosAuth attaches a SPNEGO Negotiate header to each request. Login is
// deferred to the first request so Build stays offline.
type kerberosAuth struct {
	client *client.Client
	spn    string
	mu     sync.Mutex
}

func newKerberosAuth(cfg config.TransportConfig) (*kerberosAuth, error) {
	user, realm, ok := strings.Cut(cfg.KerberosPrincipal, "@")
	if !ok || user == "" || realm == "" {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "kerberos principal %q must be user@REALM", cfg.KerberosPrincipal)
	}
	kt, err := keytab.Load(cfg.KerberosKeytab)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "loading keytab %s: %v", cfg.KerberosKeytab, err)
	}
	krb5conf, err := krbconfig.Load(cfg.KerberosConfigPath)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "loading krb5 config %s: %v", cfg.KerberosConfigPath, err)
	}
	return &kerberosAuth{
		client: client.NewWithKeytab(user, realm, kt, krb5conf, client.DisablePAFXFAST(true)),
		spn:    cfg.KerberosSPN,
	}, nil
}

func (k *kerberosAuth) authorize(req *http.Request) error {
	k.mu.Lock()
	err := k.client.AffirmLogin()
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("kerberos login: %w", err)
	}
	if err := spnego.SetSPNEGOHeader(k.client, req, k.spn); err != nil {
		return fmt.Errorf("setting SPNEGO header: %w", err)
	}
	return nil
}
