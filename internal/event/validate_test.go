package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"seed actor", New(SeedActor{Handle: "h"}), false},
		{"seed actor without handle", New(SeedActor{}), true},
		{"seed player without player id", New(SeedPlayer{Handle: "h"}), true},
		{"person", New(PlayerPerson{PlayerID: "p", Age: Below18}), false},
		{"person with bad age", New(PlayerPerson{PlayerID: "p", Age: "42"}), true},
		{"character without id", New(PlayerCharacter{PlayerID: "p"}), true},
		{"permission", New(Permission{ActorID: 1, Permission: PermissionOrga}), false},
		{"permission zero actor", New(Permission{Permission: PermissionOrga}), true},
		{"permission empty level", New(Permission{ActorID: 1}), true},
		{"reset", New(Reset{}), false},
		{"unknown", New(Unknown{Name: "Mystery"}), true},
		{"empty", Event{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}
