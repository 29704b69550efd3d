package compute

import (
	"bytes"
	"encoding/base64"
	"strings"
	"text/template"
)

// ExitStatusTag is written by the leader instance when the notebook finished.
const ExitStatusTag = "atmo:exit-status"

// The leader (launch index 0) executes the notebook, uploads the result,
// records the exit status as a tag and powers off. Workers only join the
// cluster; the monitor terminates them with the reservation.
var bootstrapTmpl = template.Must(template.New("bootstrap").Funcs(template.FuncMap{"sq": shellQuote}).Parse(`#!/bin/bash
set -u
IMDS=http://169.254.169.254/latest
TOKEN=$(curl -fsS -X PUT "$IMDS/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 21600")
md() { curl -fsS -H "X-aws-ec2-metadata-token: $TOKEN" "$IMDS/meta-data/$1"; }
INSTANCE_ID=$(md instance-id)
REGION=$(md placement/region)
if [ "$(md ami-launch-index)" != "0" ]; then
  exit 0
fi

WORK=/mnt/atmo
mkdir -p "$WORK/out"
STATUS=0
aws s3 cp {{sq .Payload}} "$WORK/"{{sq .Notebook}} || STATUS=10
if [ "$STATUS" = "0" ]; then
  jupyter nbconvert --to notebook --execute --ExecutePreprocessor.timeout=-1 \
    --output-dir "$WORK/out" "$WORK/"{{sq .Notebook}} || STATUS=$?
fi
if [ -f "$WORK/out/"{{sq .Notebook}} ]; then
  aws s3 cp "$WORK/out/"{{sq .Notebook}} {{sq .Output}} --content-type application/x-ipynb+json || true
fi
aws ec2 create-tags --region "$REGION" --resources "$INSTANCE_ID" --tags "Key={{.ExitTag}},Value=$STATUS"
shutdown -h now
`))

type bootstrapData struct {
	Payload  string
	Notebook string
	Output   string
	ExitTag  string
}

// UserData renders the base64 encoded bootstrap script for spec.
func UserData(spec LaunchSpec) (string, error) {
	var buf bytes.Buffer
	err := bootstrapTmpl.Execute(&buf, bootstrapData{
		Payload:  spec.Payload.String(),
		Notebook: spec.NotebookName,
		Output:   spec.Output.String(),
		ExitTag:  ExitStatusTag,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
