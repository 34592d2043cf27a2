package hybrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStepsNoMarkersIsSingleStep(t *testing.T) {
	program := `test('flow', async ({ page }) => {
  await page.goto('https://x.test');
  expect(page.url()).toContain('x.test');
});`
	steps := ParseSteps(program)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Number)
	assert.Contains(t, steps[0].Body, "page.goto")
}

func TestParseStepsWithMarkers(t *testing.T) {
	program := "test('flow', async ({ page }) => {\n" +
		"// =====================\n" +
		"// STEP 1: go to page\n" +
		"// =====================\n" +
		"await page.goto('https://x.test');\n" +
		"// =====================\n" +
		"// STEP 2: click swap\n" +
		"// =====================\n" +
		"await page.getByRole('button', { name: 'Swap' }).click();\n" +
		"});"
	steps := ParseSteps(program)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Number)
	assert.Equal(t, "go to page", steps[0].Description)
	assert.Equal(t, 2, steps[1].Number)
	assert.Contains(t, steps[1].Body, "Swap")
}

func TestParseStepsUnicodeFence(t *testing.T) {
	program := "test('flow', () => {\n" +
		"// ═══════\n" +
		"// STEP 1: unicode fence\n" +
		"// ═══════\n" +
		"doThing();\n" +
		"});"
	steps := ParseSteps(program)
	require.Len(t, steps, 1)
	assert.Equal(t, "unicode fence", steps[0].Description)
}

func TestParseStepsToleratesNestedBraces(t *testing.T) {
	program := `test('flow', () => {
  const obj = { a: { b: 1 } };
  if (obj.a.b === 1) { doThing(); }
});`
	steps := ParseSteps(program)
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0].Body, "doThing()")
}

func TestStripTypeAnnotations(t *testing.T) {
	body := "const x: Locator = page.locator('#a') as HTMLElement; foo<string>(x);"
	got := StripTypeAnnotations(body)
	assert.NotContains(t, got, ": Locator")
	assert.NotContains(t, got, "as HTMLElement")
	assert.NotContains(t, got, "<string>")
	assert.Contains(t, got, "foo(x)")
}

func TestReserializeRoundTrip(t *testing.T) {
	program := "test('flow', () => {\n" +
		"// =====================\n" +
		"// STEP 1: one\n" +
		"// =====================\n" +
		"doA();\n" +
		"// =====================\n" +
		"// STEP 2: two\n" +
		"// =====================\n" +
		"doB();\n" +
		"});"
	steps := ParseSteps(program)
	reserialized := Reserialize(steps)
	reparsed := ParseSteps(reserialized)
	require.Len(t, reparsed, len(steps))
	for i := range steps {
		assert.Equal(t, steps[i].Number, reparsed[i].Number)
		assert.Equal(t, steps[i].Body, reparsed[i].Body)
	}
}
