package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/netflixpp/meshnode/pkg/logger"
)

const (
	// ServiceType defines the mDNS service type mesh nodes advertise
	ServiceType = "_meshshare._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."
)

// TXT record keys.
const (
	KeyNodeID = "id"
	KeyName   = "name"
	KeyDevice = "device"
)

// ServiceInfo contains information about a discovered service
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// NodeID is the advertised mesh node id, empty for foreign advertisers.
func (s *ServiceInfo) NodeID() string { return s.Meta[KeyNodeID] }

func (s *ServiceInfo) DisplayName() string {
	if name := s.Meta[KeyName]; name != "" {
		return name
	}
	return s.InstanceName
}

// Addrs returns host:port dial targets, one per advertised address.
func (s *ServiceInfo) Addrs() []string {
	out := make([]string, 0, len(s.IPs))
	for _, ip := range s.IPs {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.Port)))
	}
	return out
}

// Announcement is what a node advertises about itself.
type Announcement struct {
	NodeID      string
	Name        string
	DeviceClass string
	Port        int
}

func (a Announcement) txt() []string {
	meta := map[string]string{
		KeyNodeID: a.NodeID,
		KeyName:   a.Name,
		KeyDevice: a.DeviceClass,
	}
	records := make([]string, 0, len(meta))
	for k, v := range meta {
		if v != "" {
			records = append(records, k+"="+v)
		}
	}
	sort.Strings(records)
	return records
}

// Advertiser handles service broadcasting
type Advertiser struct {
	service string
	server  *zeroconf.Server
}

// NewAdvertiser creates an advertiser for service, ServiceType when empty.
func NewAdvertiser(service string) *Advertiser {
	if service == "" {
		service = ServiceType
	}
	return &Advertiser{service: service}
}

// Start begins broadcasting the service
func (a *Advertiser) Start(ann Announcement) error {
	instance := ann.Name
	if instance == "" {
		instance = "meshnode"
	}
	if ann.NodeID != "" {
		// Instance names must be unique on the link.
		short := ann.NodeID
		if len(short) > 8 {
			short = short[:8]
		}
		instance = fmt.Sprintf("%s-%s", instance, short)
	}

	server, err := zeroconf.Register(instance, a.service, Domain, ann.Port, ann.txt(), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server
	logger.Sugar.Infof("[Discovery] advertising: instance=%s service=%s port=%d", instance, a.service, ann.Port)
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Resolver handles service discovery
type Resolver struct {
	service  string
	resolver *zeroconf.Resolver
}

// NewResolver creates a resolver for service, ServiceType when empty.
func NewResolver(service string) (*Resolver, error) {
	if service == "" {
		service = ServiceType
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{service: service, resolver: resolver}, nil
}

// Browse scans for services until the context is canceled
// It returns a channel that will receive discovered services
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, r.service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := FromEntry(entry)
				if info == nil {
					continue
				}
				logger.Sugar.Debugf("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

// FromEntry converts a zeroconf entry, returning nil when it carries no
// usable IPv4 address.
func FromEntry(entry *zeroconf.ServiceEntry) *ServiceInfo {
	if entry == nil {
		return nil
	}
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         make(map[string]string),
	}

	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}

	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			info.Meta[parts[0]] = parts[1]
		}
	}

	if len(info.IPs) == 0 || info.Port <= 0 {
		return nil
	}
	return info
}
