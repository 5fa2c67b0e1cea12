package enums

import "fmt"

// Actor identifies who triggered an order transition.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorAdmin    Actor = "admin"
	ActorBot      Actor = "bot"
	ActorWebhook  Actor = "webhook"
	ActorSystem   Actor = "system"
)

var validActors = []Actor{ActorCustomer, ActorAdmin, ActorBot, ActorWebhook, ActorSystem}

func (a Actor) String() string {
	return string(a)
}

func (a Actor) IsValid() bool {
	for _, candidate := range validActors {
		if candidate == a {
			return true
		}
	}
	return false
}

func ParseActor(value string) (Actor, error) {
	for _, candidate := range validActors {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor %q", value)
}
