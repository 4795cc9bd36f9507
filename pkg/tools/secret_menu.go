package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SecretMenuName is the name the agent uses to call SecretMenu.
const SecretMenuName = "getSecretMenu"

// MenuItem is one entry of the secret menu.
type MenuItem struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

var secretMenuItems = []MenuItem{
	{Name: "Banana Smoothie", Price: "$3.45"},
	{Name: "Butter Pecan Ice Cream (one scoop)", Price: "$1.23"},
}

// SecretMenu returns the fixed secret menu catalog. Arguments are ignored.
func SecretMenu(_ context.Context, _ json.RawMessage) (string, error) {
	payload := struct {
		SpecialItems []MenuItem `json:"specialItems"`
	}{SpecialItems: secretMenuItems}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode secret menu: %w", err)
	}
	return string(data), nil
}

// Default returns a registry holding the built-in tools.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(SecretMenuName, SecretMenu)
	return r
}
