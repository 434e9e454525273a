package metadata

// Metadata SOAP request envelopes. Placeholders are filled in the order the
// format strings name them; all values are xml-escaped by the callers except
// where noted.

// deployMsg: client, session id, base64 zip (not escaped), deploy options
// block (pre-rendered elements).
const deployMsg = `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:met="http://soap.sforce.com/2006/04/metadata">
  <soapenv:Header>
    <met:CallOptions>
      <met:client>%s</met:client>
    </met:CallOptions>
    <met:SessionHeader>
      <met:sessionId>%s</met:sessionId>
    </met:SessionHeader>
  </soapenv:Header>
  <soapenv:Body>
    <met:deploy>
      <met:ZipFile>%s</met:ZipFile>
      <met:DeployOptions>
%s      </met:DeployOptions>
    </met:deploy>
  </soapenv:Body>
</soapenv:Envelope>`

// checkDeployStatusMsg: client, session id, async process id.
const checkDeployStatusMsg = `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:met="http://soap.sforce.com/2006/04/metadata">
  <soapenv:Header>
    <met:CallOptions>
      <met:client>%s</met:client>
    </met:CallOptions>
    <met:SessionHeader>
      <met:sessionId>%s</met:sessionId>
    </met:SessionHeader>
  </soapenv:Header>
  <soapenv:Body>
    <met:checkDeployStatus>
      <met:asyncProcessId>%s</met:asyncProcessId>
      <met:includeDetails>true</met:includeDetails>
    </met:checkDeployStatus>
  </soapenv:Body>
</soapenv:Envelope>`

// retrieveMsg: client, session id, api version, single package flag,
// unpackaged types block (pre-rendered elements).
const retrieveMsg = `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:met="http://soap.sforce.com/2006/04/metadata">
  <soapenv:Header>
    <met:CallOptions>
      <met:client>%s</met:client>
    </met:CallOptions>
    <met:SessionHeader>
      <met:sessionId>%s</met:sessionId>
    </met:SessionHeader>
  </soapenv:Header>
  <soapenv:Body>
    <met:retrieve>
      <met:retrieveRequest>
        <met:apiVersion>%s</met:apiVersion>
        <met:singlePackage>%t</met:singlePackage>
        <met:unpackaged>%s</met:unpackaged>
      </met:retrieveRequest>
    </met:retrieve>
  </soapenv:Body>
</soapenv:Envelope>`

// checkRetrieveStatusMsg: client, session id, async process id, include zip
// flag.
const checkRetrieveStatusMsg = `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:met="http://soap.sforce.com/2006/04/metadata">
  <soapenv:Header>
    <met:CallOptions>
      <met:client>%s</met:client>
    </met:CallOptions>
    <met:SessionHeader>
      <met:sessionId>%s</met:sessionId>
    </met:SessionHeader>
  </soapenv:Header>
  <soapenv:Body>
    <met:checkRetrieveStatus>
      <met:asyncProcessId>%s</met:asyncProcessId>
      <met:includeZip>%t</met:includeZip>
    </met:checkRetrieveStatus>
  </soapenv:Body>
</soapenv:Envelope>`

// operationMsg: client, session id, operation body (pre-rendered elements).
const operationMsg = `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
                  xmlns:met="http://soap.sforce.com/2006/04/metadata">
  <soapenv:Header>
    <met:CallOptions>
      <met:client>%s</met:client>
    </met:CallOptions>
    <met:SessionHeader>
      <met:sessionId>%s</met:sessionId>
    </met:SessionHeader>
  </soapenv:Header>
  <soapenv:Body>
%s  </soapenv:Body>
</soapenv:Envelope>`
