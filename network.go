package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// NetworkProvisioner 在網路介面上掛載模擬 PLC 的 IP
type NetworkProvisioner interface {
	// Setup 設置 PLC 位址
	Setup(ctx context.Context, addresses []string) error

	// Teardown 移除已設置的 PLC 位址
	Teardown(ctx context.Context, addresses []string) error

	// List 列出介面上的 IP
	List(ctx context.Context) ([]net.IP, error)
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
}

// ParsePLCAddress 解析 PLC 位址，接受 "192.168.3.39" 或 "192.168.3.39/24"，未指定遮罩時為單一主機
func ParsePLCAddress(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		ip, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("無效的 PLC 位址 %q: %w", s, err)
		}
		ipNet.IP = ip
		return ipNet, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("無效的 PLC 位址: %q", s)
	}
	bits := 128
	if ip.To4() != nil {
		ip = ip.To4()
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// parseAll 解析所有 PLC 位址
func (p *BaseProvisioner) parseAll(addresses []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(addresses))
	for _, a := range addresses {
		n, err := ParsePLCAddress(a)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}
