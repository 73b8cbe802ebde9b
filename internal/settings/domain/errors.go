package domain

import "errors"

var (
	ErrInvalidExpertiseLevel    = errors.New("invalid_expertise_level")
	ErrInvalidCommunicationTone = errors.New("invalid_communication_tone")
	ErrEmptyUpdate              = errors.New("empty_update")
)
