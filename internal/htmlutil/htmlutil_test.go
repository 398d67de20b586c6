package htmlutil

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	require.Equal(t, "a b c", Clean("  a  b \n\t c  "))
	require.Equal(t, "", Clean(" "))
}

func TestCellsAndHiddenInputs(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
	<form name="f">
		<input type="hidden" name="RET_CODE" value="">
		<input type="HIDDEN" name="token" value="abc">
		<input type="text" name="sid">
		<table><tr><th>A<br>B</th><td> x&nbsp;y </td><td></td></tr></table>
	</form>`))
	require.NoError(t, err)

	require.Equal(t, []string{"A B", "x y", ""}, Cells(doc.Find("tr").First()))
	require.Equal(t, map[string]string{
		"RET_CODE": "",
		"token":    "abc",
	}, HiddenInputs(doc.Find("form")))
}
