package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/srtp"
)

func randomKeys(keyLen, saltLen int) (srtp.Keys, error) {
	keys := srtp.Keys{
		MasterKey:  make([]byte, keyLen),
		MasterSalt: make([]byte, saltLen),
	}
	if _, err := rand.Read(keys.MasterKey); err != nil {
		return srtp.Keys{}, err
	}
	if _, err := rand.Read(keys.MasterSalt); err != nil {
		return srtp.Keys{}, err
	}
	return keys, nil
}

func generateKeys(c *cli.Context) error {
	profile, err := srtp.ParseProfile(c.String("profile"))
	if err != nil {
		return err
	}
	keyLen, err := profile.KeyLen()
	if err != nil {
		return err
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return err
	}

	var keys srtp.SessionKeys
	if keys.Local, err = randomKeys(keyLen, saltLen); err != nil {
		return errors.Wrap(err, "local keys")
	}
	if keys.Remote, err = randomKeys(keyLen, saltLen); err != nil {
		return errors.Wrap(err, "remote keys")
	}

	out := c.String("out")
	if err := config.WriteKeyFile(out, keys); err != nil {
		return errors.Wrap(err, "write key file")
	}
	fmt.Println("Key file written to", out)
	fmt.Println("Swap local and remote for the peer's key file")
	return nil
}

func listProfiles(_ *cli.Context) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Profile", "Key Length", "Salt Length"})
	for _, name := range srtp.ProfileNames {
		profile, err := srtp.ParseProfile(name)
		if err != nil {
			return err
		}
		row := []string{name}
		for _, l := range []func() (int, error){profile.KeyLen, profile.SaltLen} {
			n, err := l()
			if err != nil {
				return err
			}
			row = append(row, strconv.Itoa(n))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
