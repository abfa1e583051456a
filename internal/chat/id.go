package chat

import "github.com/suPer8Hu/modelchat/internal/common"

func NewSessionID() (string, error) {
	return common.NewULID()
}
