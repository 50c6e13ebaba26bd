//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package chainconfig

import (
	"crypto/tls"
	"fmt"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/mapper/addermap"
	"github.com/ruci-project/ruci/mapper/countermap"
	"github.com/ruci-project/ruci/mapper/echomap"
	"github.com/ruci-project/ruci/mapper/h2map"
	"github.com/ruci-project/ruci/mapper/httpmap"
	"github.com/ruci-project/ruci/mapper/netmap"
	"github.com/ruci-project/ruci/mapper/quicmap"
	"github.com/ruci-project/ruci/mapper/socks5map"
	"github.com/ruci-project/ruci/mapper/tlsmap"
	"github.com/ruci-project/ruci/mapper/trojanmap"
	"github.com/ruci-project/ruci/mapper/tproxymap"
	"github.com/ruci-project/ruci/mapper/wsmap"
)

// DefaultRegistry returns a [Registry] covering every concrete mapper
// the core ships.
func DefaultRegistry() Registry {
	return Registry{
		"net_listener":      buildNetListener,
		"udp_listener":      buildUDPListener,
		"net_dialer":        buildNetDialer,
		"tls_client":        buildTLSClient,
		"tls_server":        buildTLSServer,
		"ws_client":         buildWSClient,
		"ws_server":         buildWSServer,
		"h2_client":         buildH2Client,
		"h2_mux_client":     buildH2MuxClient,
		"h2_server":         buildH2Server,
		"quic_client":       buildQUICClient,
		"quic_server":       buildQUICServer,
		"socks5_server":     buildSOCKS5Server,
		"socks5_client":     buildSOCKS5Client,
		"trojan_server":     buildTrojanServer,
		"trojan_client":     buildTrojanClient,
		"http_server":       buildHTTPServer,
		"http_client":       buildHTTPClient,
		"counter":           buildCounter,
		"adder":             buildAdder,
		"echo":              buildEcho,
		"tproxy_resolver":   buildTproxyResolver,
	}
}

func strParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

func buildNetListener(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	network := strParam(params, "network", "tcp")
	addr := strParam(params, "addr", "")
	sockOpt := netmap.SockOpt{
		SOMark:       intParam(params, "so_mark", 0),
		BindToDevice: strParam(params, "bind_to_device", ""),
		Tproxy:       boolParam(params, "tproxy", false),
	}
	l := netmap.NewListener(bc.Config, bc.Logger, network, addr, sockOpt)
	return l, nil
}

func buildUDPListener(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	addr := strParam(params, "addr", "")
	return netmap.NewUDPListener(bc.Config, bc.Logger, addr), nil
}

func buildNetDialer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	network := strParam(params, "network", "")
	return netmap.NewDialer(bc.Config, bc.Logger, network, bc.Resolver), nil
}

func buildTLSClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return tlsmap.NewClient(bc.Config, bc.Logger, tlsConfigFromParams(params)), nil
}

func buildTLSServer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return tlsmap.NewServer(bc.Config, bc.Logger, tlsConfigFromParams(params)), nil
}

func tlsConfigFromParams(params map[string]any) *tls.Config {
	cfg := &tls.Config{ServerName: strParam(params, "server_name", "")}
	if v, ok := params["alpn"].([]any); ok {
		for _, p := range v {
			if s, ok := p.(string); ok {
				cfg.NextProtos = append(cfg.NextProtos, s)
			}
		}
	}
	cfg.InsecureSkipVerify = boolParam(params, "insecure_skip_verify", false)
	return cfg
}

func buildWSClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return wsmap.NewClient(bc.Logger, strParam(params, "host", ""), strParam(params, "path", "/")), nil
}

func buildWSServer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return wsmap.NewServer(bc.Logger, strParam(params, "host", ""), strParam(params, "path", "/")), nil
}

func buildH2Client(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return h2map.NewClient(bc.Config, bc.Logger, strParam(params, "host", ""), strParam(params, "path", "/")), nil
}

func buildH2MuxClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	var tlsConfig *tls.Config
	if boolParam(params, "tls", true) {
		tlsConfig = tlsConfigFromParams(params)
	}
	return h2map.NewMuxClient(bc.Config, bc.Logger, strParam(params, "target", ""), strParam(params, "host", ""), strParam(params, "path", "/"), tlsConfig), nil
}

func buildH2Server(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return h2map.NewServer(bc.Config, bc.Logger, strParam(params, "path", "/")), nil
}

func buildQUICClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return quicmap.NewClient(bc.Config, bc.Logger, strParam(params, "target", ""), tlsConfigFromParams(params)), nil
}

func buildQUICServer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return quicmap.NewServer(bc.Config, bc.Logger, strParam(params, "addr", ""), tlsConfigFromParams(params)), nil
}

func buildSOCKS5Server(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return socks5map.New(bc.Logger), nil
}

func buildSOCKS5Client(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return socks5map.NewClient(bc.Logger), nil
}

func buildTrojanServer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	passwords := map[string]bool{}
	if v, ok := params["passwords"].([]any); ok {
		for _, p := range v {
			if s, ok := p.(string); ok {
				passwords[trojanmap.HashPassword(s)] = true
			}
		}
	}
	return trojanmap.New(bc.Logger, passwords), nil
}

func buildTrojanClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return trojanmap.NewClient(bc.Logger, strParam(params, "password", "")), nil
}

func buildHTTPServer(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return httpmap.New(bc.Logger), nil
}

func buildHTTPClient(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return httpmap.NewClient(bc.Logger), nil
}

func buildCounter(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	if bc.Recorder == nil {
		return nil, fmt.Errorf("counter: no traffic recorder configured")
	}
	return countermap.New(bc.Logger, bc.Recorder), nil
}

func buildAdder(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return addermap.New(bc.Logger, uint8(intParam(params, "delta", 0))), nil
}

func buildEcho(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return echomap.New(bc.Logger), nil
}

func buildTproxyResolver(bc BuildContext, params map[string]any) (mapper.Mapper, error) {
	return tproxymap.New(bc.Logger), nil
}
