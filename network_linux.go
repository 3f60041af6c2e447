//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器
type LinuxProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 設置 PLC 位址 (使用 netlink)；位址已存在時視為成功
func (p *LinuxProvisioner) Setup(ctx context.Context, addresses []string) error {
	nets, err := p.parseAll(addresses)
	if err != nil {
		return err
	}

	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	p.Logger.Info("正在設置 PLC 位址",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(nets)),
	)

	for _, n := range nets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: n}); err != nil {
			if errors.Is(err, syscall.EEXIST) {
				p.Logger.Debug("PLC 位址已存在", zap.String("addr", n.String()))
				continue
			}
			return fmt.Errorf("添加 PLC 位址 %s 失敗: %w", n, err)
		}
		p.Logger.Debug("已添加 PLC 位址", zap.String("addr", n.String()))
	}

	return nil
}

// Teardown 移除 PLC 位址；不存在的位址略過
func (p *LinuxProvisioner) Teardown(ctx context.Context, addresses []string) error {
	nets, err := p.parseAll(addresses)
	if err != nil {
		return err
	}

	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	removed := 0
	for _, n := range nets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrDel(link, &netlink.Addr{IPNet: n}); err != nil {
			p.Logger.Warn("移除 PLC 位址失敗",
				zap.String("addr", n.String()),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	p.Logger.Info("PLC 位址移除完成",
		zap.String("interface", p.InterfaceName),
		zap.Int("removed", removed),
	)
	return nil
}

// List 列出介面上的 IP
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}
