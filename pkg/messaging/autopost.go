package messaging

import (
	"bytes"
	"html/template"
	"net/url"
	"sort"
)

var autoPostTemplate = template.Must(template.New("autopost").Parse(`<!DOCTYPE html>
<html>
<head><title>Continue</title></head>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}" />
{{- end}}
<noscript><input type="submit" value="Continue" /></noscript>
</form>
</body>
</html>
`))

type autoPostField struct {
	Name  string
	Value string
}

func renderAutoPost(action *url.URL, fields map[string]string) ([]byte, error) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	data := struct {
		Action string
		Fields []autoPostField
	}{Action: action.String()}
	for _, name := range names {
		data.Fields = append(data.Fields, autoPostField{Name: name, Value: fields[name]})
	}
	var buf bytes.Buffer
	if err := autoPostTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
