package store

import (
	"context"
	"fmt"
	"io"

	"github.com/wotw-multiverse/syncserver/model"
	"gopkg.in/yaml.v3"
)

// Fixture is a YAML description of a hierarchy, used to seed a backend.
type Fixture struct {
	Players     []FixturePlayer     `yaml:"players"`
	Multiverses []FixtureMultiverse `yaml:"multiverses"`
}

type FixturePlayer struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Avatar string   `yaml:"avatar"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type FixtureMultiverse struct {
	ID         int64             `yaml:"id"`
	Multi      bool              `yaml:"multi"`
	Coop       bool              `yaml:"coop"`
	Spectators []string          `yaml:"spectators"`
	Board      *FixtureBoard     `yaml:"board"`
	Universes  []FixtureUniverse `yaml:"universes"`
}

type FixtureBoard struct {
	Size  int           `yaml:"size"`
	Goals []FixtureGoal `yaml:"goals"`
}

type FixtureGoal struct {
	X         int     `yaml:"x"`
	Y         int     `yaml:"y"`
	Text      string  `yaml:"text"`
	Group     int32   `yaml:"group"`
	State     int32   `yaml:"state"`
	Threshold float64 `yaml:"threshold"`
}

type FixtureUniverse struct {
	ID     int64          `yaml:"id"`
	Name   string         `yaml:"name"`
	Worlds []FixtureWorld `yaml:"worlds"`
}

type FixtureWorld struct {
	ID      int64    `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// DecodeFixture parses a YAML fixture.
func DecodeFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return f, nil
}

// Tokens maps each player's static token to the player id.
func (f Fixture) Tokens() map[string]string {
	out := make(map[string]string, len(f.Players))
	for _, p := range f.Players {
		if p.Token != "" {
			out[p.Token] = p.ID
		}
	}
	return out
}

// Apply creates every record of the fixture, parents first.
func (f Fixture) Apply(ctx context.Context, s Seeder) error {
	for _, p := range f.Players {
		err := s.CreatePlayer(ctx, model.Player{ID: p.ID, Name: p.Name, AvatarID: p.Avatar, Scopes: p.Scopes})
		if err != nil {
			return err
		}
	}
	for _, fm := range f.Multiverses {
		mv := model.Multiverse{
			ID:           fm.ID,
			SpectatorIDs: fm.Spectators,
			Props:        model.VerseProperties{IsMulti: fm.Multi, IsCoop: fm.Coop},
		}
		if fm.Board != nil {
			mv.Board = &model.Board{Size: fm.Board.Size}
			for _, g := range fm.Board.Goals {
				mv.Board.Goals = append(mv.Board.Goals, model.Goal{
					X:         g.X,
					Y:         g.Y,
					Text:      g.Text,
					State:     model.UberStateID{Group: g.Group, State: g.State},
					Threshold: g.Threshold,
				})
			}
		}
		if err := s.CreateMultiverse(ctx, mv); err != nil {
			return err
		}
		for _, fu := range fm.Universes {
			if err := s.CreateUniverse(ctx, model.Universe{ID: fu.ID, MultiverseID: fm.ID, Name: fu.Name}); err != nil {
				return err
			}
			for _, fw := range fu.Worlds {
				w := model.World{ID: fw.ID, UniverseID: fu.ID, Name: fw.Name, MemberIDs: fw.Members}
				if err := s.CreateWorld(ctx, w); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
