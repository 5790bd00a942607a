// Package config loads a static, ini-formatted slave configuration file
// into []*slave.Config: expected identity, sync manager directions, PDO
// assignments, startup SDOs and DC activation for every declared slave.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/goethercat/slave"
)

var (
	ErrUnknownSection = errors.New("config: section matches no known slave")
	ErrBadEntryFormat = errors.New("config: malformed PDO entry")
)

var (
	matchSlaveSection   = regexp.MustCompile(`^Slave(\d+)$`)
	matchRxPDOSection   = regexp.MustCompile(`^Slave(\d+)\.RxPDO(\d+)$`)
	matchTxPDOSection   = regexp.MustCompile(`^Slave(\d+)\.TxPDO(\d+)$`)
	matchStartupSection = regexp.MustCompile(`^Slave(\d+)\.StartupSDO(\d+)$`)
)

// Load parses an ini-formatted configuration file (or byte slice, or
// io.Reader — anything ini.Load accepts) into the slave configs it
// declares. Sections are processed in two passes: first every [SlaveN]
// section builds the base *slave.Config, then [SlaveN.RxPDOk],
// [SlaveN.TxPDOk] and [SlaveN.StartupSDOk] sections attach to it by
// position, so a PDO/startup section is free to precede or follow its
// slave's own section in the file.
func Load(source any) ([]*slave.Config, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	configs := make(map[int]*slave.Config)
	order := make([]int, 0)

	for _, section := range f.Sections() {
		m := matchSlaveSection.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		position, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		cfg, err := parseSlaveSection(section, position)
		if err != nil {
			return nil, fmt.Errorf("config: slave %d: %w", position, err)
		}
		configs[position] = cfg
		order = append(order, position)
	}

	for _, section := range f.Sections() {
		switch {
		case matchRxPDOSection.MatchString(section.Name()):
			if err := attachPDO(configs, section, matchRxPDOSection, true); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
		case matchTxPDOSection.MatchString(section.Name()):
			if err := attachPDO(configs, section, matchTxPDOSection, false); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
		case matchStartupSection.MatchString(section.Name()):
			if err := attachStartupSDO(configs, section); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	out := make([]*slave.Config, 0, len(order))
	for _, position := range order {
		out = append(out, configs[position])
	}
	return out, nil
}

func parseSlaveSection(section *ini.Section, position int) (*slave.Config, error) {
	vendorID, err := parseHexUint32(section.Key("VendorId").String())
	if err != nil {
		return nil, fmt.Errorf("VendorId: %w", err)
	}
	productCode, err := parseHexUint32(section.Key("ProductCode").String())
	if err != nil {
		return nil, fmt.Errorf("ProductCode: %w", err)
	}
	alias, _ := strconv.ParseUint(section.Key("Alias").Value(), 0, 16)

	cfg := slave.NewConfig(uint16(alias), position, vendorID, productCode)

	for sm := 0; sm < 4; sm++ {
		key := section.Key(fmt.Sprintf("SM%d", sm))
		if key.String() == "" {
			continue
		}
		dir, err := parseSyncManagerDirection(key.String())
		if err != nil {
			return nil, fmt.Errorf("SM%d: %w", sm, err)
		}
		cfg.SyncManagers[sm] = dir
	}

	if key := section.Key("DCActivation"); key.String() != "" {
		v, err := parseHexUint32(key.String())
		if err != nil {
			return nil, fmt.Errorf("DCActivation: %w", err)
		}
		cfg.DCActivation = uint16(v)
	}
	if cycle, err := strconv.ParseUint(section.Key("SyncCycleNs").Value(), 0, 32); err == nil {
		cfg.SyncCycleNs = uint32(cycle)
	}
	if shift, err := strconv.ParseUint(section.Key("Sync0ShiftNs").Value(), 0, 32); err == nil {
		cfg.Sync0ShiftNs = uint32(shift)
	}

	return cfg, nil
}

func parseSyncManagerDirection(v string) (slave.SyncManagerDirection, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "disabled":
		return slave.SyncManagerDisabled, nil
	case "output":
		return slave.SyncManagerOutput, nil
	case "input":
		return slave.SyncManagerInput, nil
	default:
		return 0, fmt.Errorf("unknown sync manager direction %q", v)
	}
}

func attachPDO(configs map[int]*slave.Config, section *ini.Section, pattern *regexp.Regexp, rx bool) error {
	m := pattern.FindStringSubmatch(section.Name())
	position, err := strconv.Atoi(m[1])
	if err != nil {
		return err
	}
	cfg, ok := configs[position]
	if !ok {
		return fmt.Errorf("%s: %w", section.Name(), ErrUnknownSection)
	}

	indexValue, err := parseHexUint32(section.Key("Index").String())
	if err != nil {
		return fmt.Errorf("%s: Index: %w", section.Name(), err)
	}
	entries, err := parsePDOEntries(section.Key("Entries").String())
	if err != nil {
		return fmt.Errorf("%s: Entries: %w", section.Name(), err)
	}

	assignment := slave.PDOAssignment{Index: uint16(indexValue), Entries: entries}
	if rx {
		cfg.AddRxPDO(assignment)
	} else {
		cfg.AddTxPDO(assignment)
	}
	return nil
}

// parsePDOEntries parses a comma-separated list of index:subindex:bitlength
// triples, e.g. "0x6040:00:16,0x607A:00:32".
func parsePDOEntries(raw string) ([]slave.PDOEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]slave.PDOEntry, 0, len(parts))
	for _, part := range parts {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%q: %w", part, ErrBadEntryFormat)
		}
		index, err := parseHexUint32(fields[0])
		if err != nil {
			return nil, err
		}
		subindex, err := strconv.ParseUint(fields[1], 16, 8)
		if err != nil {
			return nil, err
		}
		length, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil {
			return nil, err
		}
		entries = append(entries, slave.PDOEntry{
			Index:      uint16(index),
			Subindex:   uint8(subindex),
			LengthBits: uint8(length),
		})
	}
	return entries, nil
}

func attachStartupSDO(configs map[int]*slave.Config, section *ini.Section) error {
	m := matchStartupSection.FindStringSubmatch(section.Name())
	position, err := strconv.Atoi(m[1])
	if err != nil {
		return err
	}
	cfg, ok := configs[position]
	if !ok {
		return fmt.Errorf("%s: %w", section.Name(), ErrUnknownSection)
	}

	index, err := parseHexUint32(section.Key("Index").String())
	if err != nil {
		return fmt.Errorf("%s: Index: %w", section.Name(), err)
	}
	subindex, err := strconv.ParseUint(section.Key("Subindex").String(), 0, 8)
	if err != nil {
		return fmt.Errorf("%s: Subindex: %w", section.Name(), err)
	}
	data, err := parseHexBytes(section.Key("Data").String())
	if err != nil {
		return fmt.Errorf("%s: Data: %w", section.Name(), err)
	}

	cfg.AddStartupSDO(slave.StartupSDO{
		Index:    uint16(index),
		Subindex: uint8(subindex),
		Data:     data,
	})
	return nil
}

// parseHexUint32 accepts either a bare hex string ("6040") or a 0x-prefixed
// one ("0x6040"), matching the two spellings EDS-style config files use
// interchangeably for index values.
func parseHexUint32(v string) (uint32, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func parseHexBytes(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	return hex.DecodeString(v)
}
