package exception

import "github.com/yanun0323/errors"

var (
	ErrConfigEmptyPath         = errors.New("config: empty path")
	ErrConfigUnsupportedType   = errors.New("config: unsupported file type")
	ErrConfigNoInstruments     = errors.New("config: no instruments")
	ErrConfigDuplicateSymbol   = errors.New("config: duplicate symbol")
	ErrConfigInvalidInstrument = errors.New("config: invalid instrument")
)
