package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"

	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/skeleton"
)

type SwipeCommand struct {
	Addr  string `long:"addr" description:"Address of the running skeleton (default: httpAddr from the configuration)"`
	Servo string `long:"servo" description:"Servo to swipe; asked for when empty"`
	Stop  bool   `long:"stop" description:"Stop swiping instead of starting"`
}

func (c *SwipeCommand) Execute(args []string) error {
	addr, err := (&MonitorCommand{Addr: c.Addr}).address()
	if err != nil {
		return err
	}
	base := "http://" + addr

	name := c.Servo
	if name == "" {
		servos, err := fetchServos(base)
		if err != nil {
			return err
		}
		if name, err = pickServo(servos, c.Stop); err != nil {
			return err
		}
		if name == "" {
			return nil
		}
	}

	kind := skeleton.StartSwipe{}.Kind()
	if c.Stop {
		kind = skeleton.StopSwipe{}.Kind()
	}
	if err := postRequest(base, skeleton.Envelope{Kind: kind, Servo: name}); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("%s: %s", kind, name)))
	return nil
}

func fetchServos(base string) (map[string]servo.Current, error) {
	resp, err := http.Get(base + "/servos")
	if err != nil {
		return nil, errors.Wrap(err, "list servos")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("list servos: %s", resp.Status)
	}
	var servos map[string]servo.Current
	if err := json.NewDecoder(resp.Body).Decode(&servos); err != nil {
		return nil, errors.Wrap(err, "decode servos")
	}
	return servos, nil
}

// pickServo asks for a servo. Stopping offers the swiping servos only.
func pickServo(servos map[string]servo.Current, swiping bool) (string, error) {
	var names []string
	for name, c := range servos {
		if !swiping || c.Swiping {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		fmt.Println(dimStyle.Render("No servo to choose from."))
		return "", nil
	}
	sort.Strings(names)

	options := make([]huh.Option[string], 0, len(names))
	for _, name := range names {
		options = append(options, huh.NewOption(name, name))
	}
	var name string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which servo?").
				Options(options...).
				Value(&name),
		),
	)
	if err := form.Run(); err != nil {
		return "", nil
	}
	return name, nil
}

func postRequest(base string, env skeleton.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	resp, err := http.Post(base+"/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return errors.Errorf("%s: %s", resp.Status, e.Error)
	}
	return nil
}
