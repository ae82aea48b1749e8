package xds110

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ProbeMatch identifies an XDS110 variant in application mode and the bulk
// endpoints its debug-adapter protocol uses.
type ProbeMatch struct {
	VendorID    uint16 `yaml:"vid"`
	ProductID   uint16 `yaml:"pid"`
	EndpointIn  uint8  `yaml:"epin"`
	EndpointOut uint8  `yaml:"epout"`
	Interface   uint8  `yaml:"interface"`
	Description string `yaml:"description,omitempty"`
}

// BootloaderMatch identifies an XDS110 in bootloader mode. The bootloader
// exposes a single control interface, so no endpoints are needed.
type BootloaderMatch struct {
	VendorID    uint16 `yaml:"vid"`
	ProductID   uint16 `yaml:"pid"`
	Description string `yaml:"description,omitempty"`
}

// ProbeDevices lists the application-mode variants supported out of the box.
var ProbeDevices = []ProbeMatch{
	{VendorID: 0x0451, ProductID: 0xbef3, EndpointIn: 0x83, EndpointOut: 0x02, Interface: 2, Description: "TI XDS110"},
	{VendorID: 0x0451, ProductID: 0xbef4, EndpointIn: 0x83, EndpointOut: 0x02, Interface: 2, Description: "TI XDS110 (CMSIS-DAP)"},
	{VendorID: 0x1cbe, ProductID: 0x02a5, EndpointIn: 0x81, EndpointOut: 0x01, Interface: 0, Description: "TI XDS110 (Stellaris VID)"},
}

// BootloaderDevices lists the bootloader-mode variants supported out of the box.
var BootloaderDevices = []BootloaderMatch{
	{VendorID: 0x1cbe, ProductID: 0x00ff, Description: "Tiva DFU bootloader"},
}

// Table is the full set of match records consulted by a Matcher.
type Table struct {
	Probes      []ProbeMatch      `yaml:"probes"`
	Bootloaders []BootloaderMatch `yaml:"bootloaders"`
}

// DefaultTable returns a copy of the compiled-in match records.
func DefaultTable() Table {
	return Table{
		Probes:      append([]ProbeMatch(nil), ProbeDevices...),
		Bootloaders: append([]BootloaderMatch(nil), BootloaderDevices...),
	}
}

// LoadTable returns the compiled-in records extended with the rows found in
// the YAML file at path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read device table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable extends the compiled-in records with the rows in data.
//
//	probes:
//	  - {vid: 0x0451, pid: 0xbef5, epin: 0x83, epout: 0x02, interface: 2}
//	bootloaders:
//	  - {vid: 0x1cbe, pid: 0x00fe}
func ParseTable(data []byte) (Table, error) {
	var extra Table
	if err := yaml.UnmarshalStrict(data, &extra); err != nil {
		return Table{}, fmt.Errorf("parse device table: %w", err)
	}

	t := DefaultTable()
	for _, p := range extra.Probes {
		if p.VendorID == 0 || p.ProductID == 0 {
			return Table{}, fmt.Errorf("device table: probe row %04x:%04x needs vid and pid", p.VendorID, p.ProductID)
		}
		if p.EndpointIn&0x80 == 0 || p.EndpointOut&0x80 != 0 {
			return Table{}, fmt.Errorf("device table: probe %04x:%04x has endpoints in=0x%02x out=0x%02x with wrong direction bits",
				p.VendorID, p.ProductID, p.EndpointIn, p.EndpointOut)
		}
		t.Probes = append(t.Probes, p)
	}
	for _, b := range extra.Bootloaders {
		if b.VendorID == 0 || b.ProductID == 0 {
			return Table{}, fmt.Errorf("device table: bootloader row %04x:%04x needs vid and pid", b.VendorID, b.ProductID)
		}
		t.Bootloaders = append(t.Bootloaders, b)
	}
	return t, nil
}

func (t Table) probeFor(vid, pid uint16) (ProbeMatch, bool) {
	for _, p := range t.Probes {
		if p.VendorID == vid && p.ProductID == pid {
			return p, true
		}
	}
	return ProbeMatch{}, false
}

func (t Table) bootloaderFor(vid, pid uint16) (BootloaderMatch, bool) {
	for _, b := range t.Bootloaders {
		if b.VendorID == vid && b.ProductID == pid {
			return b, true
		}
	}
	return BootloaderMatch{}, false
}
