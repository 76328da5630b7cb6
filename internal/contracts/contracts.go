// Package contracts loads the static document mapping contract roles to addresses and
// ABIs. It is read once per run and never mutated.
package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/afero"
)

// Role names a contract's function in the protocol.
type Role string

const (
	RoleUniverse        Role = "universe"
	RoleDisputeRegistry Role = "dispute-registry"
	RoleStakeToken      Role = "stake-token"
	RoleCollateralToken Role = "collateral-token"
)

// Roles lists every role the document must provide.
var Roles = []Role{RoleUniverse, RoleDisputeRegistry, RoleStakeToken, RoleCollateralToken}

// legacyKeys maps the key names used by the published Augur ABI bundle onto roles.
var legacyKeys = map[string]Role{
	"augur":      RoleDisputeRegistry,
	"repV2Token": RoleStakeToken,
	"cash":       RoleCollateralToken,
}

// Contract is one resolved role.
type Contract struct {
	Role    Role
	Address common.Address
	ABI     abi.ABI
}

// Set holds every role of the document.
type Set map[Role]Contract

type entry struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// Load reads and parses the contracts document at path.
func Load(fs afero.Fs, path string) (Set, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts document: %w", err)
	}
	return Parse(data)
}

// Parse decodes a contracts document.
func Parse(data []byte) (Set, error) {
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode contracts document: %w", err)
	}

	set := make(Set, len(Roles))
	for key, e := range raw {
		role := Role(key)
		if legacy, ok := legacyKeys[key]; ok {
			role = legacy
		}
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("contract %s: invalid address %q", key, e.Address)
		}
		parsed, err := abi.JSON(bytes.NewReader(e.ABI))
		if err != nil {
			return nil, fmt.Errorf("contract %s: invalid abi: %w", key, err)
		}
		set[role] = Contract{Role: role, Address: common.HexToAddress(e.Address), ABI: parsed}
	}

	for _, role := range Roles {
		if _, ok := set[role]; !ok {
			return nil, fmt.Errorf("contracts document is missing role %q", role)
		}
	}
	return set, nil
}
