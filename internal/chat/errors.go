package chat

import "errors"

var (
	errEmptyModel    = errors.New("chat: model must not be empty")
	errEmptyMessages = errors.New("chat: messages must not be empty")
)
