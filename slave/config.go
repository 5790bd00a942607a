package slave

// SyncManagerDirection is a sync manager's data direction, as configured
// during slave setup.
type SyncManagerDirection uint8

const (
	SyncManagerDisabled SyncManagerDirection = iota
	SyncManagerOutput
	SyncManagerInput
)

// PDOEntry is one mapped object (index/subindex/bit length) inside a PDO,
// the same (index, subindex, length-in-bits) triple a PDO configurator
// writes into 0x1600/0x1A00-range mapping objects.
type PDOEntry struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

// PDOAssignment is one PDO (its sync-manager-assigned communication
// object) together with the entries mapped into it.
type PDOAssignment struct {
	Index   uint16 // PDO communication object index, e.g. 0x1600
	Entries []PDOEntry
}

// StartupSDO is one SDO write the master performs during slave
// configuration, before requesting SAFEOP.
type StartupSDO struct {
	Index    uint16
	Subindex uint8
	Data     []byte
}

// Config is an application-declared desired slave: an expected identity
// at a (alias, position) together with the sync-manager/PDO/startup-SDO/
// DC setup to apply once a live slave attaches to it.
type Config struct {
	Alias        uint16
	RingPosition int

	ExpectedVendorID    uint32
	ExpectedProductCode uint32

	SyncManagers [4]SyncManagerDirection
	RxPDOs       []PDOAssignment
	TxPDOs       []PDOAssignment
	StartupSDOs  []StartupSDO

	// DCActivation is the DC activation word (register 0x0980) loaded for
	// this slave; zero means DC sync is not requested. The configuration
	// sequence in package master does not write it to the slave.
	DCActivation uint16
	SyncCycleNs  uint32
	Sync0ShiftNs uint32

	// attached is the live slave this config currently matches, nil when
	// unattached. Guarded by the owning master's lock (Config has no lock
	// of its own), since attachment only ever happens during a scan pass already
	// holding that lock.
	attached *Slave
}

// NewConfig declares a desired slave at (alias, position) expecting the
// given vendor/product identity.
func NewConfig(alias uint16, ringPosition int, vendorID, productCode uint32) *Config {
	return &Config{
		Alias:               alias,
		RingPosition:        ringPosition,
		ExpectedVendorID:    vendorID,
		ExpectedProductCode: productCode,
	}
}

// Matches reports whether a live slave's identity and position satisfy
// this config (position when alias is zero, else alias, plus vendor and
// product code).
func (c *Config) Matches(s *Slave) bool {
	if s.Identity.VendorID != c.ExpectedVendorID || s.Identity.ProductCode != c.ExpectedProductCode {
		return false
	}
	if c.Alias != 0 {
		return s.Alias == c.Alias
	}
	return s.RingPosition == c.RingPosition
}

// Attach binds this config to a live slave. A config attaches to at most
// one slave at a time.
func (c *Config) Attach(s *Slave) { c.attached = s }

// Detach clears the attachment, e.g. when the slave disappears on rescan.
func (c *Config) Detach() { c.attached = nil }

// Attached returns the currently attached slave, or nil.
func (c *Config) Attached() *Slave { return c.attached }

// AddRxPDO appends an output-direction PDO assignment.
func (c *Config) AddRxPDO(p PDOAssignment) { c.RxPDOs = append(c.RxPDOs, p) }

// AddTxPDO appends an input-direction PDO assignment.
func (c *Config) AddTxPDO(p PDOAssignment) { c.TxPDOs = append(c.TxPDOs, p) }

// AddStartupSDO appends a startup SDO write, applied in order during
// configuration.
func (c *Config) AddStartupSDO(sdo StartupSDO) { c.StartupSDOs = append(c.StartupSDOs, sdo) }
