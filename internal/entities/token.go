package entities

// TokenSubmission describes a fractional property token to be deployed on
// the ledger by the token-custody service.
type TokenSubmission struct {
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Decimals      int32  `json:"decimals"`
	InitialSupply int64  `json:"initial_supply"`
	MaxSupply     int64  `json:"max_supply"`
}
