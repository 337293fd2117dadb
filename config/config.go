// Package config loads the pre-validated configuration structures spec.md
// §6.4 describes as external inputs: provided/required service instances
// and IPC channel bindings. It is grounded on the teacher's
// pkg/od/parser.go, which loads an EDS file section-by-section with
// gopkg.in/ini.v1 and builds typed entries from each section's keys; here
// the sections are "[service.<name>]", "[required.<name>]",
// "[channel.<name>]" and a single "[network]" block instead of CiA-301
// object dictionary indices, but the load-then-validate-then-build-plain-
// structs shape is the same.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/someipsd/memcon"
	"github.com/samsamfire/someipsd/sdserver"
	"github.com/samsamfire/someipsd/wire"
)

// Network holds the shared SD multicast/interface configuration, parsed
// from the "[network]" section.
type Network struct {
	Interface        string
	MulticastAddress netip.Addr
	Port             uint16
}

// ServiceInstance is one provided service instance's pre-validated
// configuration: identity, endpoints and SD timing parameters, per
// spec.md §6.4.
type ServiceInstance struct {
	Name    string
	Entry   wire.Entry
	Options []wire.Option
	Params  sdserver.Params
}

// RequiredInstance is one consumed service instance: the identity a Find
// should advertise. It carries no multicast or unicast addressing.
type RequiredInstance struct {
	Name       string
	ServiceID  uint16
	InstanceID uint16
	MajorVer   uint8
	MinorVer   uint32
}

// Channel binds one provided or required instance to a MemCon IPC
// channel, per spec.md §6.4's "NumSlots, SlotContentSize,
// SlotContentAlignment, MaxReceivers, class table".
type Channel struct {
	Name         string
	Binding      string // name of the ServiceInstance or RequiredInstance this channel serves
	Layout       memcon.SlotLayout
	MaxReceivers int
	ClassLimits  memcon.ClassLimits
	SlotPath     string
	QueuePath    string
}

// Daemon is the fully parsed, validated configuration for one someipd
// process.
type Daemon struct {
	Network   Network
	Provided  []ServiceInstance
	Required  []RequiredInstance
	Channels  []Channel
}

// Load parses the INI file at path into a Daemon, returning an error on
// the first structurally invalid section. Mirrors pkg/od/parser.go's
// Parse: ini.Load, then one pass over Sections() dispatching on a
// matched section-name pattern.
func Load(path string) (*Daemon, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	d := &Daemon{}

	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case name == "network":
			net, err := parseNetwork(section)
			if err != nil {
				return nil, fmt.Errorf("config: [network]: %w", err)
			}
			d.Network = net
		case strings.HasPrefix(name, "service."):
			svc, err := parseServiceInstance(strings.TrimPrefix(name, "service."), section)
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			d.Provided = append(d.Provided, svc)
		case strings.HasPrefix(name, "required."):
			req, err := parseRequiredInstance(strings.TrimPrefix(name, "required."), section)
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			d.Required = append(d.Required, req)
		case strings.HasPrefix(name, "channel."):
			ch, err := parseChannel(strings.TrimPrefix(name, "channel."), section)
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			d.Channels = append(d.Channels, ch)
		default:
			return nil, fmt.Errorf("config: unrecognised section [%s]", name)
		}
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseNetwork(s *ini.Section) (Network, error) {
	addr, err := netip.ParseAddr(s.Key("MulticastAddress").String())
	if err != nil {
		return Network{}, fmt.Errorf("MulticastAddress: %w", err)
	}
	port, err := s.Key("Port").Uint()
	if err != nil {
		return Network{}, fmt.Errorf("Port: %w", err)
	}
	return Network{
		Interface:        s.Key("Interface").String(),
		MulticastAddress: addr,
		Port:             uint16(port),
	}, nil
}

func parseServiceInstance(name string, s *ini.Section) (ServiceInstance, error) {
	serviceID, err := parseHexOrDecUint16(s.Key("ServiceID").String())
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("ServiceID: %w", err)
	}
	instanceID, err := parseHexOrDecUint16(s.Key("InstanceID").String())
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("InstanceID: %w", err)
	}
	majorVersion, err := s.Key("MajorVersion").Uint()
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("MajorVersion: %w", err)
	}
	minorVersion, err := s.Key("MinorVersion").Uint()
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("MinorVersion: %w", err)
	}

	opts, err := parseEndpointOptions(s)
	if err != nil {
		return ServiceInstance{}, err
	}

	params, err := parseParams(s)
	if err != nil {
		return ServiceInstance{}, err
	}

	return ServiceInstance{
		Name: name,
		Entry: wire.Entry{
			Type:         wire.EntryOfferService,
			ServiceID:    serviceID,
			InstanceID:   instanceID,
			MajorVersion: uint8(majorVersion),
			MinorVersion: uint32(minorVersion),
			TTL:          wire.TTLForever,
		},
		Options: opts,
		Params:  params,
	}, nil
}

func parseRequiredInstance(name string, s *ini.Section) (RequiredInstance, error) {
	serviceID, err := parseHexOrDecUint16(s.Key("ServiceID").String())
	if err != nil {
		return RequiredInstance{}, fmt.Errorf("ServiceID: %w", err)
	}
	instanceID := wire.InstanceIDAny
	if s.HasKey("InstanceID") {
		v, err := parseHexOrDecUint16(s.Key("InstanceID").String())
		if err != nil {
			return RequiredInstance{}, fmt.Errorf("InstanceID: %w", err)
		}
		instanceID = v
	}
	major := wire.MajorVersionAny
	if s.HasKey("MajorVersion") {
		v, err := s.Key("MajorVersion").Uint()
		if err != nil {
			return RequiredInstance{}, fmt.Errorf("MajorVersion: %w", err)
		}
		major = uint8(v)
	}
	minor := wire.MinorVersionAny
	if s.HasKey("MinorVersion") {
		v, err := s.Key("MinorVersion").Uint()
		if err != nil {
			return RequiredInstance{}, fmt.Errorf("MinorVersion: %w", err)
		}
		minor = uint32(v)
	}
	return RequiredInstance{
		Name:       name,
		ServiceID:  serviceID,
		InstanceID: instanceID,
		MajorVer:   major,
		MinorVer:   minor,
	}, nil
}

func parseChannel(name string, s *ini.Section) (Channel, error) {
	numSlots, err := s.Key("NumSlots").Uint()
	if err != nil {
		return Channel{}, fmt.Errorf("NumSlots: %w", err)
	}
	contentSize, err := s.Key("SlotContentSize").Uint()
	if err != nil {
		return Channel{}, fmt.Errorf("SlotContentSize: %w", err)
	}
	contentAlignment := uint64(8)
	if s.HasKey("SlotContentAlignment") {
		v, err := s.Key("SlotContentAlignment").Uint()
		if err != nil {
			return Channel{}, fmt.Errorf("SlotContentAlignment: %w", err)
		}
		contentAlignment = v
	}
	maxReceivers, err := s.Key("MaxReceivers").Int()
	if err != nil {
		return Channel{}, fmt.Errorf("MaxReceivers: %w", err)
	}

	limits := memcon.ClassLimits{}
	if s.HasKey("ClassLimits") {
		parsed, err := parseClassLimits(s.Key("ClassLimits").String())
		if err != nil {
			return Channel{}, fmt.Errorf("ClassLimits: %w", err)
		}
		limits = parsed
	}

	return Channel{
		Name:    name,
		Binding: s.Key("Binding").String(),
		Layout: memcon.SlotLayout{
			NumSlots:         uint32(numSlots),
			ContentSize:      uint32(contentSize),
			ContentAlignment: uint32(contentAlignment),
		},
		MaxReceivers: int(maxReceivers),
		ClassLimits:  limits,
		SlotPath:     s.Key("SlotPath").String(),
		QueuePath:    s.Key("QueuePath").String(),
	}, nil
}

// parseClassLimits parses "1=4,2=1" into a memcon.ClassLimits.
func parseClassLimits(raw string) (memcon.ClassLimits, error) {
	limits := memcon.ClassLimits{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed class limit entry %q", pair)
		}
		class, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("class id %q: %w", kv[0], err)
		}
		limit, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("class limit %q: %w", kv[1], err)
		}
		limits[memcon.ClassID(class)] = uint32(limit)
	}
	return limits, nil
}

// parseEndpointOptions reads the UDP/TCP unicast and multicast event
// endpoints a provided service instance announces, per spec.md §6.4's
// "each with TCP/UDP endpoints ... multicast event address".
func parseEndpointOptions(s *ini.Section) ([]wire.Option, error) {
	var opts []wire.Option

	if s.HasKey("UDPAddress") && s.HasKey("UDPPort") {
		opt, err := buildEndpointOption(s.Key("UDPAddress").String(), s.Key("UDPPort").String(), wire.ProtoUDP, false)
		if err != nil {
			return nil, fmt.Errorf("UDPAddress/UDPPort: %w", err)
		}
		opts = append(opts, opt)
	}
	if s.HasKey("TCPAddress") && s.HasKey("TCPPort") {
		opt, err := buildEndpointOption(s.Key("TCPAddress").String(), s.Key("TCPPort").String(), wire.ProtoTCP, false)
		if err != nil {
			return nil, fmt.Errorf("TCPAddress/TCPPort: %w", err)
		}
		opts = append(opts, opt)
	}
	if s.HasKey("MulticastEventAddress") && s.HasKey("MulticastEventPort") {
		opt, err := buildEndpointOption(s.Key("MulticastEventAddress").String(), s.Key("MulticastEventPort").String(), wire.ProtoUDP, true)
		if err != nil {
			return nil, fmt.Errorf("MulticastEventAddress/MulticastEventPort: %w", err)
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func buildEndpointOption(addrStr, portStr string, proto wire.Proto, multicast bool) (wire.Option, error) {
	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return wire.Option{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.Option{}, err
	}

	optType := wire.OptionIPv4Endpoint
	if multicast {
		optType = wire.OptionIPv4MulticastEndpoint
	}
	if addr.Is6() {
		if multicast {
			optType = wire.OptionIPv6MulticastEndpoint
		} else {
			optType = wire.OptionIPv6Endpoint
		}
	}

	return wire.Option{
		Type:  optType,
		Known: true,
		Addr:  addr,
		Proto: proto,
		Port:  uint16(port),
	}, nil
}

// parseParams reads the SD timing parameters, with spec.md §4.5's
// defaults applied for anything the section omits.
func parseParams(s *ini.Section) (sdserver.Params, error) {
	p := sdserver.Params{
		InitialDelayMin:           100 * time.Millisecond,
		InitialDelayMax:           500 * time.Millisecond,
		RequestResponseDelayMin:   0,
		RequestResponseDelayMax:   500 * time.Millisecond,
		RepetitionBaseDelay:       200 * time.Millisecond,
		InitialRepetitionsMax:     3,
		CyclicOfferPeriod:         2 * time.Second,
	}

	durationKey := func(key string, dst *time.Duration) error {
		if !s.HasKey(key) {
			return nil
		}
		ms, err := s.Key(key).Uint()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}

	for key, dst := range map[string]*time.Duration{
		"InitialDelayMinMs":         &p.InitialDelayMin,
		"InitialDelayMaxMs":         &p.InitialDelayMax,
		"RequestResponseDelayMinMs": &p.RequestResponseDelayMin,
		"RequestResponseDelayMaxMs": &p.RequestResponseDelayMax,
		"RepetitionBaseDelayMs":     &p.RepetitionBaseDelay,
		"CyclicOfferPeriodMs":       &p.CyclicOfferPeriod,
	} {
		if err := durationKey(key, dst); err != nil {
			return sdserver.Params{}, err
		}
	}

	if s.HasKey("InitialRepetitionsMax") {
		v, err := s.Key("InitialRepetitionsMax").Int()
		if err != nil {
			return sdserver.Params{}, fmt.Errorf("InitialRepetitionsMax: %w", err)
		}
		p.InitialRepetitionsMax = v
	}

	return p, nil
}

func parseHexOrDecUint16(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	v, err := strconv.ParseUint(raw, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// validate applies the structural checks spec.md §6.4 expects to already
// have been performed on configuration handed to the core: every channel
// must bind to a known instance name, and instance/channel names must be
// unique.
func (d *Daemon) validate() error {
	known := map[string]bool{}
	for _, svc := range d.Provided {
		if known[svc.Name] {
			return fmt.Errorf("config: duplicate instance name %q", svc.Name)
		}
		known[svc.Name] = true
	}
	for _, req := range d.Required {
		if known[req.Name] {
			return fmt.Errorf("config: duplicate instance name %q", req.Name)
		}
		known[req.Name] = true
	}

	channelNames := map[string]bool{}
	for _, ch := range d.Channels {
		if channelNames[ch.Name] {
			return fmt.Errorf("config: duplicate channel name %q", ch.Name)
		}
		channelNames[ch.Name] = true
		if ch.Binding != "" && !known[ch.Binding] {
			return fmt.Errorf("config: channel %q binds to unknown instance %q", ch.Name, ch.Binding)
		}
		if ch.Layout.NumSlots == 0 {
			return fmt.Errorf("config: channel %q has zero NumSlots", ch.Name)
		}
	}
	return nil
}
