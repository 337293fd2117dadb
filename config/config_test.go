package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/someipsd/config"
	"github.com/samsamfire/someipsd/wire"
)

const sampleConfig = `
[network]
Interface = eth0
MulticastAddress = 224.224.224.245
Port = 30490

[service.climate]
ServiceID = 0x1234
InstanceID = 0x0001
MajorVersion = 1
MinorVersion = 0
UDPAddress = 192.0.2.10
UDPPort = 30501
CyclicOfferPeriodMs = 2000
InitialRepetitionsMax = 3

[required.dashboard]
ServiceID = 0x1234

[channel.climate-events]
Binding = climate
NumSlots = 8
SlotContentSize = 64
SlotContentAlignment = 8
MaxReceivers = 4
ClassLimits = 1=4,2=1
SlotPath = /dev/shm/climate-slots
QueuePath = /dev/shm/climate-queue
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "someipd.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	d, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "eth0", d.Network.Interface)
	require.Equal(t, uint16(30490), d.Network.Port)

	require.Len(t, d.Provided, 1)
	svc := d.Provided[0]
	require.Equal(t, "climate", svc.Name)
	require.Equal(t, uint16(0x1234), svc.Entry.ServiceID)
	require.Equal(t, wire.EntryOfferService, svc.Entry.Type)
	require.Len(t, svc.Options, 1)
	require.Equal(t, wire.ProtoUDP, svc.Options[0].Proto)
	require.Equal(t, 3, svc.Params.InitialRepetitionsMax)

	require.Len(t, d.Required, 1)
	require.Equal(t, uint16(0x1234), d.Required[0].ServiceID)
	require.Equal(t, wire.InstanceIDAny, d.Required[0].InstanceID)

	require.Len(t, d.Channels, 1)
	ch := d.Channels[0]
	require.Equal(t, "climate", ch.Binding)
	require.Equal(t, uint32(8), ch.Layout.NumSlots)
	require.Equal(t, uint32(4), ch.ClassLimits[1])
	require.Equal(t, uint32(1), ch.ClassLimits[2])
}

func TestLoadRejectsChannelBoundToUnknownInstance(t *testing.T) {
	path := writeConfig(t, `
[channel.orphan]
Binding = nonexistent
NumSlots = 4
SlotContentSize = 32
MaxReceivers = 1
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnrecognisedSection(t *testing.T) {
	path := writeConfig(t, `
[bogus.section]
Key = value
`)

	_, err := config.Load(path)
	require.Error(t, err)
}
