package hub

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Identity is everything needed to open an authenticated hub connection.
type Identity struct {
	HubHost     string // audience and username host
	GatewayHost string // broker host; the hub itself unless behind an edge gateway
	DeviceID    string
	ModuleID    string
	Signer      Signer
	RootCAs     *x509.CertPool // nil uses the system pool
}

func (id Identity) clientID() string {
	if id.ModuleID == "" {
		return id.DeviceID
	}
	return id.DeviceID + "/" + id.ModuleID
}

func (id Identity) username() string {
	return fmt.Sprintf("%s/%s/?api-version=%s", id.HubHost, id.clientID(), apiVersion)
}

func (id Identity) audience() string {
	return id.HubHost + "/" + deviceBase(id)
}

func (id Identity) broker() string {
	host := id.GatewayHost
	if host == "" {
		host = id.HubHost
	}
	return "tls://" + host + ":8883"
}

// Provisioning modes, matching the config values.
const (
	ModeAuto             = "auto"
	ModeConnectionString = "connection-string"
	ModeIdentityService  = "identity-service"
	ModeEdge             = "edge"
)

// ErrTwinKindMismatch means the resolved identity does not fit the requested twin kind.
var ErrTwinKindMismatch = errors.New("identity does not match twin kind")

// ProvisionOptions selects and parameterises the identity source.
type ProvisionOptions struct {
	Mode             string
	Module           bool // module twin instead of device twin
	ConnectionString string
	IdentitySocket   string
	KeySocket        string
	Getenv           func(string) string // defaults to os.Getenv
}

// Provision resolves the hub identity for the configured mode.
func Provision(ctx context.Context, opts ProvisionOptions, log *logrus.Entry) (Identity, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	mode := opts.Mode
	if mode == "" || mode == ModeAuto {
		switch {
		case opts.ConnectionString != "":
			mode = ModeConnectionString
		case opts.Getenv("IOTEDGE_MODULEID") != "":
			mode = ModeEdge
		default:
			mode = ModeIdentityService
		}
	}
	log.WithField("component", "hub").WithField("mode", mode).Info("provisioning identity")

	var (
		id  Identity
		err error
	)
	switch mode {
	case ModeConnectionString:
		id, err = fromConnectionString(opts.ConnectionString)
	case ModeEdge:
		id, err = fromEdgeEnvironment(ctx, opts.Getenv)
	case ModeIdentityService:
		id, err = fromIdentityService(ctx, opts.IdentitySocket, opts.KeySocket)
	default:
		return Identity{}, fmt.Errorf("unknown provisioning mode %q", mode)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("provision %s: %w", mode, err)
	}
	if opts.Module && id.ModuleID == "" {
		return Identity{}, fmt.Errorf("provision %s: %w: module twin requested but identity has no module id", mode, ErrTwinKindMismatch)
	}
	// Module credentials sign for the module audience only.
	if !opts.Module && id.ModuleID != "" {
		return Identity{}, fmt.Errorf("provision %s: %w: identity is module %q, set TWIN_KIND=module", mode, ErrTwinKindMismatch, id.ModuleID)
	}
	return id, nil
}

// ParseConnectionString parses "HostName=..;DeviceId=..;[ModuleId=..;]SharedAccessKey=..".
func ParseConnectionString(cs string) (map[string]string, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		fields[k] = v
	}
	for _, required := range []string{"HostName", "DeviceId", "SharedAccessKey"} {
		if fields[required] == "" {
			return nil, fmt.Errorf("connection string is missing %s", required)
		}
	}
	return fields, nil
}

func fromConnectionString(cs string) (Identity, error) {
	if cs == "" {
		return Identity{}, errors.New("empty connection string")
	}
	fields, err := ParseConnectionString(cs)
	if err != nil {
		return Identity{}, err
	}
	signer, err := NewKeySigner(fields["SharedAccessKey"])
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		HubHost:     fields["HostName"],
		GatewayHost: fields["GatewayHostName"],
		DeviceID:    fields["DeviceId"],
		ModuleID:    fields["ModuleId"],
		Signer:      signer,
	}, nil
}

func fromEdgeEnvironment(ctx context.Context, getenv func(string) string) (Identity, error) {
	required := []string{
		"IOTEDGE_IOTHUBHOSTNAME", "IOTEDGE_DEVICEID", "IOTEDGE_MODULEID",
		"IOTEDGE_MODULEGENERATIONID", "IOTEDGE_WORKLOADURI", "IOTEDGE_APIVERSION",
	}
	var missing []string
	for _, k := range required {
		if getenv(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Identity{}, fmt.Errorf("edge environment is missing %s", strings.Join(missing, ", "))
	}

	socket, err := socketPath(getenv("IOTEDGE_WORKLOADURI"))
	if err != nil {
		return Identity{}, err
	}
	client := unixClient(socket)
	apiVer := getenv("IOTEDGE_APIVERSION")

	id := Identity{
		HubHost:     getenv("IOTEDGE_IOTHUBHOSTNAME"),
		GatewayHost: getenv("IOTEDGE_GATEWAYHOSTNAME"),
		DeviceID:    getenv("IOTEDGE_DEVICEID"),
		ModuleID:    getenv("IOTEDGE_MODULEID"),
		Signer: &WorkloadSigner{
			client:     client,
			moduleID:   getenv("IOTEDGE_MODULEID"),
			generation: getenv("IOTEDGE_MODULEGENERATIONID"),
			apiVersion: apiVer,
		},
	}

	if id.GatewayHost != "" {
		var bundle struct {
			Certificate string `json:"certificate"`
		}
		endpoint := "http://workload/trust-bundle?api-version=" + url.QueryEscape(apiVer)
		if err := getJSON(ctx, client, endpoint, &bundle); err != nil {
			return Identity{}, fmt.Errorf("fetch trust bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(bundle.Certificate)) {
			return Identity{}, errors.New("trust bundle contains no certificates")
		}
		id.RootCAs = pool
	}
	return id, nil
}

type identityResponse struct {
	Type string `json:"type"`
	Spec struct {
		HubName     string `json:"hubName"`
		GatewayHost string `json:"gatewayHost"`
		DeviceID    string `json:"deviceId"`
		ModuleID    string `json:"moduleId"`
		Auth        struct {
			Type      string `json:"type"`
			KeyHandle string `json:"keyHandle"`
		} `json:"auth"`
	} `json:"spec"`
}

func fromIdentityService(ctx context.Context, identitySocket, keySocket string) (Identity, error) {
	var resp identityResponse
	endpoint := "http://identityd/identities/identity?api-version=2020-09-01"
	if err := getJSON(ctx, unixClient(identitySocket), endpoint, &resp); err != nil {
		return Identity{}, fmt.Errorf("get identity: %w", err)
	}
	if resp.Spec.Auth.Type != "sas" {
		return Identity{}, fmt.Errorf("unsupported identity auth type %q", resp.Spec.Auth.Type)
	}
	if resp.Spec.HubName == "" || resp.Spec.DeviceID == "" {
		return Identity{}, errors.New("identity service returned an incomplete identity")
	}
	return Identity{
		HubHost:     resp.Spec.HubName,
		GatewayHost: resp.Spec.GatewayHost,
		DeviceID:    resp.Spec.DeviceID,
		ModuleID:    resp.Spec.ModuleID,
		Signer:      &KeydSigner{client: unixClient(keySocket), keyHandle: resp.Spec.Auth.KeyHandle},
	}, nil
}
