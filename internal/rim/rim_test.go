package rim

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
)

func parseXML(t *testing.T, xmlStr string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil {
		t.Fatalf("parsing fixture XML: %s", err)
	}
	return doc
}

func TestValidateSchemaComplete(t *testing.T) {
	doc := parseXML(t, `<SoftwareIdentity>
		<Entity name="NVIDIA" role="softwareCreator"/>
		<Meta/>
		<Payload><Resource type="1" index="0" active="true"/></Payload>
		<Signature/>
	</SoftwareIdentity>`)
	assert.NoError(t, validateSchema(doc))
}

func TestValidateSchemaMissingElement(t *testing.T) {
	doc := parseXML(t, `<SoftwareIdentity>
		<Entity name="NVIDIA" role="softwareCreator"/>
		<Payload><Resource type="1" index="0" active="true"/></Payload>
		<Signature/>
	</SoftwareIdentity>`)
	assert.ErrorContains(t, validateSchema(doc), `"Meta"`)
}

func TestValidateSchemaWrongRoot(t *testing.T) {
	doc := parseXML(t, `<NotASoftwareIdentity/>`)
	assert.Error(t, validateSchema(doc))
}

func TestValidateSchemaNoResources(t *testing.T) {
	doc := parseXML(t, `<SoftwareIdentity>
		<Entity name="NVIDIA" role="softwareCreator"/>
		<Meta/>
		<Payload/>
		<Signature/>
	</SoftwareIdentity>`)
	assert.ErrorContains(t, validateSchema(doc), "measurement resources")
}

func TestComponentString(t *testing.T) {
	assert.Equal(t, "driver VBIOS", ComponentDriver.String()+" "+ComponentVBIOS.String())
}
