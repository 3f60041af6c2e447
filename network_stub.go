//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台的 stub 配置器，只驗證位址
type StubProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 設置 PLC 位址 (stub)
func (p *StubProvisioner) Setup(ctx context.Context, addresses []string) error {
	nets, err := p.parseAll(addresses)
	if err != nil {
		return err
	}
	p.Logger.Warn("PLC 位址配置僅在 Linux 上支援，請手動設置",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(nets)),
	)
	return nil
}

// Teardown 移除 PLC 位址 (stub)
func (p *StubProvisioner) Teardown(ctx context.Context, addresses []string) error {
	if _, err := p.parseAll(addresses); err != nil {
		return err
	}
	p.Logger.Warn("PLC 位址移除僅在 Linux 上支援",
		zap.String("interface", p.InterfaceName),
	)
	return nil
}

// List 列出介面上的 IP
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	iface, err := net.InterfaceByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips, nil
}
